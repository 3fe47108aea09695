package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardend/warden/internal/version"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	var resp struct {
		Version string `json:"version"`
		Uptime  string `json:"uptime"`
	}
	if err := newClient().get("/api/status", &resp); err != nil {
		return err
	}
	fmt.Printf("wardend %s, up %s\n", resp.Version, resp.Uptime)
	fmt.Printf("warden  %s\n", version.String())
	return nil
}
