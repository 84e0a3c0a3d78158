package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/epicast/epicast-go/pkg/models"
)

var importFlags struct {
	kind   string
	series string
}

var importCmd = &cobra.Command{
	Use:   "import <csv-file>",
	Short: "Import observations from a CSV file",
	Long: `Import case-count or product-sales observations from a CSV file with
a header row and two columns: date (YYYY-MM-DD) and value. Re-importing a
date replaces its value.

Usage:
  epicast import cases.csv --kind cases --series MALARIA
  epicast import sales.csv --kind sales --series Coartem`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	f := importCmd.Flags()
	f.StringVar(&importFlags.kind, "kind", "", "Observation kind: cases or sales")
	f.StringVar(&importFlags.series, "series", "", "Series name: disease for cases, product for sales")
	importCmd.MarkFlagRequired("kind")
	importCmd.MarkFlagRequired("series")
}

func runImport(cmd *cobra.Command, args []string) error {
	var kind models.ObservationKind
	switch strings.ToLower(importFlags.kind) {
	case "cases":
		kind = models.KindCases
	case "sales":
		kind = models.KindSales
	default:
		return fmt.Errorf("unknown kind %q (supported: cases, sales)", importFlags.kind)
	}

	file, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	obs, err := readObservations(file, importFlags.series)
	if err != nil {
		return err
	}
	if len(obs) == 0 {
		return fmt.Errorf("no observations found in %s", args[0])
	}

	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.series.PutObservations(cmd.Context(), kind, obs); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d %s observations for %s\n",
		len(obs), importFlags.kind, importFlags.series)
	return nil
}

// readObservations parses date,value rows, skipping the header. Blank value
// cells are skipped: absent data stays absent rather than becoming zero.
func readObservations(r io.Reader, seriesName string) ([]models.Observation, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var obs []models.Observation
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV: %w", err)
		}
		line++
		if line == 1 {
			continue // header
		}
		if len(record) < 2 {
			return nil, fmt.Errorf("line %d: expected date,value", line)
		}

		date, err := models.ParseDate(strings.TrimSpace(record[0]))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		raw := strings.TrimSpace(record[1])
		if raw == "" {
			continue
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid value %q: %w", line, raw, err)
		}

		obs = append(obs, models.Observation{Date: date, Series: seriesName, Value: value})
	}
	return obs, nil
}
