package cli

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/amialive/amialive/internal/config"
)

var qrURL string

var qrCmd = &cobra.Command{
	Use:   "qr",
	Short: "Print a QR code for the public voting page (for the kiosk display)",
	RunE:  runQR,
}

func init() {
	qrCmd.Flags().StringVar(&qrURL, "url", "", "URL to encode (default: the configured public URL)")
}

func runQR(cmd *cobra.Command, args []string) error {
	target := qrURL
	if target == "" {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		target = cfg.Observer.PublicURL
	}

	code, err := qrcode.New(target, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("generate qr: %w", err)
	}
	fmt.Println(code.ToSmallString(false))
	fmt.Printf("scan to vote: %s\n", target)
	return nil
}
