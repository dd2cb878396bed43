// Package excel renders a generated scenario into the standard test-scenario
// workbook template.
package excel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"scenariomaker/internal/scenario"
)

// Template layout. The header cells and the first test-case row are fixed by
// the workbook shipped alongside the binary.
const (
	cellDescription = "B5"
	cellName        = "F4"
	firstCaseRow    = 11
)

// Writer implements scenario.Exporter using an xlsx template.
type Writer struct {
	outputDir string
	clock     scenario.Clock
	logger    *zap.Logger
}

// NewWriter constructs a Writer that saves workbooks under outputDir.
func NewWriter(outputDir string, clock scenario.Clock, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{outputDir: outputDir, clock: clock, logger: logger}
}

// Export fills the template with the scenario and saves a timestamped copy
// under the output directory. It returns the saved file's name.
func (w *Writer) Export(ctx context.Context, sc scenario.Scenario, templatePath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f, err := excelize.OpenFile(templatePath)
	if err != nil {
		return "", fmt.Errorf("open template %q: %w", templatePath, err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return "", fmt.Errorf("template %q has no sheets", templatePath)
	}
	if err := f.SetCellValue(sheet, cellDescription, sc.ScenarioDescription); err != nil {
		return "", fmt.Errorf("write description: %w", err)
	}
	if err := f.SetCellValue(sheet, cellName, sc.TestScenarioName); err != nil {
		return "", fmt.Errorf("write scenario name: %w", err)
	}
	for i, tc := range sc.TestCases {
		if err := w.writeCase(f, sheet, firstCaseRow+i, tc); err != nil {
			return "", err
		}
	}

	if err := os.MkdirAll(w.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	filename := fmt.Sprintf("%s_test_scenario_result.xlsx", w.clock.Now().Format("20060102_150405"))
	outPath := filepath.Join(w.outputDir, filename)
	if err := f.SaveAs(outPath); err != nil {
		return "", fmt.Errorf("save workbook: %w", err)
	}
	w.logger.Info("workbook saved",
		zap.String("path", outPath),
		zap.Int("test_cases", len(sc.TestCases)),
	)
	return filename, nil
}

// writeCase fills one test-case row. Columns F and G are Y-flags marking the
// case as a unit or integration test.
func (w *Writer) writeCase(f *excelize.File, sheet string, row int, tc scenario.TestCase) error {
	cells := map[string]any{
		fmt.Sprintf("A%d", row): tc.ID,
		fmt.Sprintf("B%d", row): tc.Procedure,
		fmt.Sprintf("C%d", row): tc.Precondition,
		fmt.Sprintf("D%d", row): tc.TestData,
		fmt.Sprintf("E%d", row): tc.ExpectedResult,
	}
	kind := strings.ToLower(tc.Type)
	if strings.Contains(kind, "unit") {
		cells[fmt.Sprintf("F%d", row)] = "Y"
	}
	if strings.Contains(kind, "integration") {
		cells[fmt.Sprintf("G%d", row)] = "Y"
	}
	for cell, value := range cells {
		if err := f.SetCellValue(sheet, cell, value); err != nil {
			return fmt.Errorf("write cell %s: %w", cell, err)
		}
	}
	return nil
}
