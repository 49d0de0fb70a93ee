package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/recoverytools/rflash/pkg/catalog"
	"github.com/recoverytools/rflash/pkg/errors"
)

var imagesManufacturers bool

var imagesCmd = &cobra.Command{
	Use:   "images [query]",
	Short: "List recovery images from the catalog",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runImages,
}

func init() {
	rootCmd.AddCommand(imagesCmd)
	imagesCmd.Flags().BoolVar(&imagesManufacturers, "manufacturers", false, "List manufacturers only")
}

func runImages(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	router, err := newRouter(ctx, cfg, cfg.CatalogRetries)
	if err != nil {
		return err
	}

	images, err := catalog.Load(ctx, router, cfg.CatalogURLs...)
	if err != nil {
		return errors.Wrap(err, "catalog load failed")
	}

	if imagesManufacturers {
		for _, m := range catalog.Manufacturers(images) {
			fmt.Println(m)
		}
		return nil
	}

	var query string
	if len(args) == 1 {
		query = args[0]
	}
	images = catalog.Filter(images, query)

	if len(images) == 0 {
		fmt.Println("No images found")
		return nil
	}

	fmt.Printf("%-40s %-16s %-16s %-18s %-10s\n", "NAME", "MODEL", "MANUFACTURER", "CHROME VERSION", "SIZE")
	fmt.Println(strings.Repeat("-", 104))

	for _, img := range images {
		size := "-"
		if img.FileSize > 0 {
			size = humanize.IBytes(uint64(img.FileSize))
		}
		fmt.Printf("%-40s %-16s %-16s %-18s %-10s\n",
			truncate(img.Name, 40), img.Model, truncate(img.Manufacturer, 16), img.ChromeVersion, size)
	}

	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "~"
}
