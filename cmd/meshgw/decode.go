package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-mesh/internal/node"
	"github.com/nerrad567/gray-logic-mesh/internal/provisioner"
	"github.com/nerrad567/gray-logic-mesh/internal/telemetry"
)

// compositionModel is one row of decoded composition output.
type compositionModel struct {
	Model     string `json:"model"`
	Name      string `json:"name"`
	Bind      bool   `json:"bind"`
	Publish   bool   `json:"publish"`
	Subscribe bool   `json:"subscribe"`
}

// sensorOutput is decoded sensor status output.
type sensorOutput struct {
	telemetry.SensorData
	Error string `json:"error,omitempty"`
}

func newDecodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode captured mesh payloads",
		Long: `Decode hex payloads captured from the mesh and print them as JSON.

Hex may contain spaces, colons or a 0x prefix.`,
		Example: `  meshgw decode imu "01 00 0a f6 14 05 fb 01"
  meshgw decode mpid 4f0948
  meshgw decode composition 0100...`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "imu <hex>",
			Short: "Decode an 8-byte vendor IMU record",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				raw, err := parseHex(args[0])
				if err != nil {
					return err
				}
				sample, err := telemetry.DecodeIMU(raw)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), sample)
			},
		},
		&cobra.Command{
			Use:   "mpid <hex>",
			Short: "Decode a marshalled sensor status (MPID records)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				raw, err := parseHex(args[0])
				if err != nil {
					return err
				}
				data, decodeErr := telemetry.DecodeSensorData(raw)
				out := sensorOutput{SensorData: data}
				if decodeErr != nil {
					out.Error = decodeErr.Error()
				}
				return writeJSON(cmd.OutOrStdout(), out)
			},
		},
		&cobra.Command{
			Use:   "composition <hex>",
			Short: "Decode composition data page 0",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				raw, err := parseHex(args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), describeComposition(raw))
			},
		},
	)
	return cmd
}

// describeComposition lists the models and the configuration each would receive.
func describeComposition(raw []byte) []compositionModel {
	models := provisioner.ParseComposition(raw, node.DefaultMaxModels)
	out := make([]compositionModel, 0, len(models))
	for _, m := range models {
		out = append(out, compositionModel{
			Model:     m.String(),
			Name:      provisioner.ModelName(m.ID, m.CompanyID),
			Bind:      !provisioner.IsBindExempt(m.ID, m.CompanyID),
			Publish:   provisioner.IsPublishEligible(m.ID, m.CompanyID),
			Subscribe: provisioner.IsSubscribeEligible(m.ID, m.CompanyID),
		})
	}
	return out
}

// parseHex accepts "0a0b", "0x0a0b", "0a 0b" and "0a:0b".
func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.NewReplacer(" ", "", ":", "", "\t", "").Replace(s)
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload: %w", err)
	}
	return raw, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
