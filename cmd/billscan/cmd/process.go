package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// processCmd runs the extraction pipeline over a single document and
// prints the resulting bill. Useful for smoke-testing profiles and
// vendor templates without standing up the server.
var processCmd = &cobra.Command{
	Use:   "process <file>",
	Short: "Extract a bill from a single document",
	Long: `Process a single vendor bill document through the full pipeline:
normalization, zoning, OCR, field extraction, line matching and
validation. The resulting bill is printed as JSON.

Supported inputs: PDF, PNG, JPEG, TIFF

Examples:
  billscan process invoice.pdf --store-id store-1
  billscan process scan.png --store-id store-1 --vendor-id acme
  billscan process invoice.pdf --store-id store-1 --output bill.json`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		storeID, _ := cmd.Flags().GetString("store-id")
		vendorID, _ := cmd.Flags().GetString("vendor-id")
		mime, _ := cmd.Flags().GetString("mime")
		outputFile, _ := cmd.Flags().GetString("output")

		if storeID == "" {
			return errors.New("--store-id is required")
		}
		if mime == "" {
			var err error
			mime, err = mimeForFile(path)
			if err != nil {
				return err
			}
		}

		raw, err := os.ReadFile(path) //nolint:gosec // G304: user-provided input path
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		cfg := GetConfig()
		app, err := buildApp(cfg, slog.Default())
		if err != nil {
			return err
		}

		b, err := app.pipeline.ProcessDocument(context.Background(), storeID, vendorID, mime, raw)
		if err != nil {
			return fmt.Errorf("processing %s: %w", path, err)
		}

		bts, err := json.MarshalIndent(b, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal bill: %w", err)
		}
		if outputFile != "" {
			if err := os.WriteFile(outputFile, bts, 0o600); err != nil {
				return fmt.Errorf("failed to write output file: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Bill written to %s\n", outputFile)
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(bts))
		return err
	},
}

// mimeForFile maps a file extension to the upload MIME types the
// pipeline accepts.
func mimeForFile(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "application/pdf", nil
	case ".png":
		return "image/png", nil
	case ".jpg", ".jpeg":
		return "image/jpeg", nil
	case ".tif", ".tiff":
		return "image/tiff", nil
	default:
		return "", fmt.Errorf("cannot infer MIME type for %s (use --mime)", path)
	}
}

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().String("store-id", "", "store the bill belongs to (required)")
	processCmd.Flags().String("vendor-id", "", "vendor hint for template and alias lookups")
	processCmd.Flags().String("mime", "", "document MIME type (default: inferred from extension)")
	processCmd.Flags().StringP("output", "o", "", "output file (default: stdout)")
}
