package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/wearbeat/internal/gatt"
	"github.com/srg/wearbeat/internal/gattdb"
	"github.com/srg/wearbeat/internal/telemetry"
)

// decodeCmd represents the decode command
var decodeCmd = &cobra.Command{
	Use:   "decode <characteristic-uuid> <hex-value>",
	Short: "Decode a Heart Rate Measurement, Body Sensor Location or Location and Speed value",
	Long: `Decodes a characteristic value as a central would see it. The UUID may be
16-bit (2a37, 0x2A37) or the full 128-bit form; the value is hex and may contain
spaces, colons or dashes.`,
	Example: `  wearbeat decode 2a37 0648
  wearbeat decode 0x2A67 "04 00 d0 67 b3 1e d0 7f ec ff 00 00 00 00"`,
	Args: cobra.ExactArgs(2),
	RunE: runDecode,
}

func init() {
	decodeCmd.Flags().Bool("json", false, "Output as JSON")
}

func runDecode(cmd *cobra.Command, args []string) error {
	char, err := gatt.ParseUUID16(gattdb.NormalizeUUID(args[0]))
	if err != nil {
		return fmt.Errorf("characteristic %q: %w", args[0], err)
	}
	value, err := parseHex(args[1])
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	decoded, err := telemetry.DecodeValue(char, value)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"characteristic": char.String(),
			"name":           gattdb.LookupCharacteristic(char.String()),
			"value":          hex.EncodeToString(value),
			"decoded":        decoded,
		})
	}

	fmt.Fprintf(out, "%s (%s): %s\n", gattdb.LookupCharacteristic(char.String()), char, describe(decoded))
	return nil
}

func parseHex(s string) ([]byte, error) {
	clean := strings.NewReplacer(" ", "", ":", "", "-", "", "0x", "", "0X", "").Replace(s)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("value %q is not hex: %w", s, err)
	}
	return b, nil
}

// describe renders a decoded value on one line.
func describe(v any) string {
	switch d := v.(type) {
	case telemetry.HeartRateValue:
		s := fmt.Sprintf("%d bpm, sensor contact %s", d.BPM, d.ContactStatus)
		if d.EnergyExpended != nil {
			s += fmt.Sprintf(", %d kJ", *d.EnergyExpended)
		}
		if len(d.RRIntervals) > 0 {
			s += fmt.Sprintf(", RR %v", d.RRIntervals)
		}
		return s
	case telemetry.LocationValue:
		if d.Latitude == nil || d.Longitude == nil {
			return fmt.Sprintf("no location (flags 0x%04x)", d.Flags)
		}
		return fmt.Sprintf("lat %.7f, lon %.7f", *d.Latitude, *d.Longitude)
	case telemetry.BodySensorValue:
		return fmt.Sprintf("%s (%d)", gattdb.BodySensorLocation(d.Location), d.Location)
	}
	return fmt.Sprintf("%v", v)
}
