package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/cmmvio/umicp-go/pkg/types"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("umicp %s\n", Version)
			fmt.Printf("Protocol:   %s\n", types.ProtocolVersion)
			fmt.Printf("Go Version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
