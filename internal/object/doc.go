// Package object implements the property-level operations remote actions
// perform on live Go values: get, set, has, delete, own keys, call,
// construct, property descriptors and extensibility.
//
// Values are addressed by string keys. Maps are indexed by key, structs by
// field name or json tag, slices by decimal index, and methods by name. A
// method read through Get is returned as a method value already bound to its
// receiver, so a later call keeps the right receiver.
//
// Types that want full control over their surface implement Object; Record
// is a ready-made dynamic implementation.
package object
