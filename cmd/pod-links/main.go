package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/trella/pod-capture/internal/config"
	"github.com/trella/pod-capture/internal/links"
	"github.com/trella/pod-capture/internal/logging"
	"github.com/trella/pod-capture/internal/shipment"
)

// CLI flags
var (
	langFlag     string
	baseURLFlag  string
	whatsappFlag bool
	jsonFlag     bool
)

var rootCmd = &cobra.Command{
	Use:   "pod-links",
	Short: "Generate POD capture links for shipments at drop-off",
	Long: `pod-links reads the shipments export, keeps the shipments whose
status is AT_DROP_OFF_LOCATION, and prints one capture link per shipment
together with the driver message.

Examples:
  pod-links
  pod-links --lang ur --whatsapp
  pod-links --base-url https://pod.example.com --json`,
	RunE: runMain,
}

func init() {
	rootCmd.Flags().StringVarP(&langFlag, "lang", "l", "ar", "Message language (en, ar, ur)")
	rootCmd.Flags().StringVar(&baseURLFlag, "base-url", "", "Capture app base URL (default from APP_BASE_URL)")
	rootCmd.Flags().BoolVarP(&whatsappFlag, "whatsapp", "w", false, "Include wa.me click-to-chat links")
	rootCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print one JSON object per shipment")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type linkRow struct {
	ShipmentKey string `json:"shipmentKey"`
	Driver      string `json:"driver"`
	Mobile      string `json:"mobile,omitempty"`
	Link        string `json:"link"`
	Message     string `json:"message"`
	WhatsApp    string `json:"whatsapp,omitempty"`
}

func runMain(cmd *cobra.Command, args []string) error {
	logging.Init()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if baseURLFlag != "" {
		cfg.AppBaseURL = baseURLFlag
	}
	if cfg.ShipmentsCSVURL == "" {
		return fmt.Errorf("SHIPMENTS_CSV_URL is required")
	}
	gen, err := links.NewGenerator(cfg.AppBaseURL)
	if err != nil {
		return err
	}
	src, err := shipment.NewCSVSource(cfg.ShipmentsCSVURL, cfg.ShipmentsAPIKey, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	rows, err := src.AtDropOff(ctx)
	if err != nil {
		return fmt.Errorf("load shipments: %w", err)
	}
	log.Info().Int("shipments", len(rows)).Msg("Shipments at drop-off")

	out := make([]linkRow, 0, len(rows))
	for _, sh := range rows {
		link := gen.CaptureLink(sh.Key)
		row := linkRow{
			ShipmentKey: sh.Key,
			Driver:      sh.Carrier,
			Mobile:      sh.CarrierMobile,
			Link:        link,
			Message:     links.Message(langFlag, sh.Carrier, sh.Key, link),
		}
		if whatsappFlag {
			row.WhatsApp = links.WhatsAppLink(sh.CarrierMobile, row.Message)
			if row.WhatsApp == "" {
				log.Warn().Str("shipmentKey", sh.Key).Msg("No usable driver mobile, skipping WhatsApp link")
			}
		}
		out = append(out, row)
	}

	if jsonFlag {
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, row := range out {
			if err := enc.Encode(row); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SHIPMENT\tDRIVER\tMOBILE\tLINK")
	for _, row := range out {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", row.ShipmentKey, row.Driver, row.Mobile, row.Link)
		if row.WhatsApp != "" {
			fmt.Fprintf(tw, "\t\t\t%s\n", row.WhatsApp)
		}
	}
	return tw.Flush()
}
