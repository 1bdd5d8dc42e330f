package cmd

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/hpcflow/pkg/fleet"
	"github.com/3leaps/hpcflow/pkg/pipeline"
)

var bootscriptCmd = &cobra.Command{
	Use:   "bootscript",
	Short: "Render the instance boot script for a resource",
	Long: `Render the multipart boot document that mounts a resource on every
instance of the compute fleet. The output is what a run publishes as launch
template user data.

Examples:
  hpcflow bootscript --kind lustre --resource-id fs-0123456789abcdef0 --mount-name abcdwbmv --region us-east-1
  hpcflow bootscript --kind ebs --resource-id vol-0123456789abcdef0 --region us-east-1 --base64`,
	Args: cobra.NoArgs,
	RunE: runBootscript,
}

var (
	bootKind       string
	bootResourceID string
	bootMountName  string
	bootMountDir   string
	bootDevice     string
	bootBase64     bool
)

func init() {
	rootCmd.AddCommand(bootscriptCmd)

	f := bootscriptCmd.Flags()
	f.StringVar(&bootKind, "kind", "lustre", "Resource kind (lustre, ebs)")
	f.StringVar(&bootResourceID, "resource-id", "", "Filesystem or volume id (required)")
	f.StringVar(&bootMountName, "mount-name", "", "Lustre mount name")
	f.StringVar(&bootMountDir, "mount-dir", "", "Mount directory on the instance")
	f.StringVar(&bootDevice, "device", "", "Block device for volumes")
	f.BoolVar(&bootBase64, "base64", false, "Base64-encode the output as launch template user data")

	_ = bootscriptCmd.MarkFlagRequired("resource-id")
}

func runBootscript(_ *cobra.Command, _ []string) error {
	kind, err := pipeline.ParseResourceKind(bootKind)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --kind", err)
	}

	region := appCfg.AWS.Region
	if region == "" {
		return exitError(foundry.ExitInvalidArgument, "No region", errors.New("set --region, HPCFLOW_AWS_REGION or aws.region"))
	}

	script, err := fleet.BuildBootScript(fleet.BootParams{
		Kind:       kind,
		ResourceID: bootResourceID,
		Region:     region,
		MountName:  bootMountName,
		MountDir:   bootMountDir,
		Device:     bootDevice,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot render boot script", err)
	}

	if bootBase64 {
		fmt.Println(base64.StdEncoding.EncodeToString([]byte(script)))
		return nil
	}
	fmt.Println(script)
	return nil
}
