package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/roach88/fabric/internal/channel"
)

// Version is the build version, set with -ldflags "-X ...cli.Version=v1.2.3".
var Version = "dev"

// VersionInfo is the JSON payload of the version command.
type VersionInfo struct {
	Version  string `json:"version"`
	Protocol string `json:"protocol"`
	Go       string `json:"go"`
}

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "version",
		Short:         "Print the build and protocol versions",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := VersionInfo{
				Version:  Version,
				Protocol: channel.DefaultProtocolVersion,
				Go:       runtime.Version(),
			}
			out := rootOpts.formatter(cmd)
			if rootOpts.Format == "json" {
				return out.Success(info)
			}
			return out.Success(fmt.Sprintf("fabric %s (protocol %s, %s)", info.Version, info.Protocol, info.Go))
		},
	}
}
