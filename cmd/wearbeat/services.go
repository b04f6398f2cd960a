package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/wearbeat/internal/gatt"
	"github.com/srg/wearbeat/internal/gattdb"
	"github.com/srg/wearbeat/internal/telemetry"
	"github.com/srg/wearbeat/pkg/config"
	"golang.org/x/term"
)

// servicesCmd represents the services command
var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Print the advertisement and GATT services the publisher declares",
	Args:  cobra.NoArgs,
	RunE:  runServices,
}

func init() {
	servicesCmd.Flags().Bool("json", false, "Output as JSON")
	servicesCmd.Flags().String("name", "", "Advertised device name")
}

type characteristicView struct {
	UUID       string   `json:"uuid"`
	Name       string   `json:"name,omitempty"`
	Properties []string `json:"properties"`
	Value      string   `json:"value"`
}

type serviceView struct {
	UUID            string               `json:"uuid"`
	Name            string               `json:"name,omitempty"`
	Characteristics []characteristicView `json:"characteristics"`
}

type servicesView struct {
	Name          string        `json:"name"`
	Connectable   bool          `json:"connectable"`
	Discoverable  bool          `json:"discoverable"`
	Scannable     bool          `json:"scannable"`
	WhenConnected bool          `json:"when_connected"`
	Advertised    []string      `json:"advertised_services"`
	Services      []serviceView `json:"services"`
}

func newServicesView(cfg *config.Config, tree *gatt.Tree) servicesView {
	v := servicesView{
		Name:          cfg.DeviceName,
		Connectable:   cfg.Advertising.Connectable,
		Discoverable:  cfg.Advertising.Discoverable,
		Scannable:     cfg.Advertising.Scannable,
		WhenConnected: cfg.Advertising.WhenConnected,
	}
	for _, u := range tree.ServiceUUIDs() {
		v.Advertised = append(v.Advertised, u.String())
	}
	for _, svc := range tree.Services() {
		sv := serviceView{
			UUID: svc.UUID.String(),
			Name: gattdb.LookupService(svc.UUID.String()),
		}
		for _, c := range svc.Characteristics {
			sv.Characteristics = append(sv.Characteristics, characteristicView{
				UUID:       c.UUID.String(),
				Name:       gattdb.LookupCharacteristic(c.UUID.String()),
				Properties: strings.Split(c.Properties.String(), ","),
				Value:      hex.EncodeToString(c.Value),
			})
		}
		v.Services = append(v.Services, sv)
	}
	return v
}

func runServices(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	cmd.SilenceUsage = true

	view := newServicesView(cfg, telemetry.ServiceTree())
	out := cmd.OutOrStdout()

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	printServices(out, view, isTerminal(out))
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func printServices(w io.Writer, v servicesView, colored bool) {
	paint := func(attr color.Attribute) func(a ...interface{}) string {
		c := color.New(attr)
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c.SprintFunc()
	}
	svcColor, charColor, dim := paint(color.FgCyan), paint(color.FgGreen), paint(color.Faint)

	var flags []string
	for _, f := range []struct {
		on   bool
		name string
	}{
		{v.Connectable, "connectable"},
		{v.Discoverable, "discoverable"},
		{v.Scannable, "scannable"},
		{v.WhenConnected, "while connected"},
	} {
		if f.on {
			flags = append(flags, f.name)
		}
	}
	fmt.Fprintf(w, "Advertising %q [%s] services %s\n", v.Name, strings.Join(flags, ", "), strings.Join(v.Advertised, ", "))

	for _, svc := range v.Services {
		fmt.Fprintf(w, "%s %s\n", svcColor("Service "+svc.UUID), svc.Name)
		for _, c := range svc.Characteristics {
			fmt.Fprintf(w, "  %s %s [%s] %s\n",
				charColor("Characteristic "+c.UUID), c.Name, strings.Join(c.Properties, ","), dim("value "+c.Value))
		}
	}
}
