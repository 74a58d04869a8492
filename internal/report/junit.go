package report

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/hdlrun/internal/config"
	"github.com/ChuLiYu/hdlrun/pkg/types"
)

// ErrUnknownXUnitFormat 不支援的 JUnit XML 格式
var ErrUnknownXUnitFormat = fmt.Errorf("unknown xunit xml format (expected %s or %s)", config.XUnitJenkins, config.XUnitBamboo)

type junitSuite struct {
	XMLName  xml.Name    `xml:"testsuite"`
	Name     string      `xml:"name,attr"`
	Errors   int         `xml:"errors,attr"`
	Failures int         `xml:"failures,attr"`
	Skipped  int         `xml:"skipped,attr"`
	Tests    int         `xml:"tests,attr"`
	Hostname string      `xml:"hostname,attr"`
	RunID    string      `xml:"id,attr,omitempty"`
	Cases    []junitCase `xml:"testcase"`
}

type junitCase struct {
	ClassName string        `xml:"classname,attr,omitempty"`
	Name      string        `xml:"name,attr"`
	Time      string        `xml:"time,attr"`
	SystemOut string        `xml:"system-out"`
	Failure   *junitMessage `xml:"failure,omitempty"`
	Skipped   *junitMessage `xml:"skipped,omitempty"`
}

type junitMessage struct {
	Message string `xml:"message,attr"`
	Text    string `xml:",chardata"`
}

// JUnitXML 將報告轉為 JUnit XML
//
// jenkins 格式把輸出放在 system-out；bamboo 格式把失敗測試的輸出放在 failure 中。
func (r *Report) JUnitXML(format string) ([]byte, error) {
	if format != config.XUnitJenkins && format != config.XUnitBamboo {
		return nil, fmt.Errorf("%w: %q", ErrUnknownXUnitFormat, format)
	}

	results := r.Results()
	passed, skipped, failed := r.Counts()
	hostname, _ := os.Hostname()

	suite := junitSuite{
		Name:     "testsuite",
		Failures: failed,
		Skipped:  skipped,
		Tests:    passed + skipped + failed,
		Hostname: hostname,
		RunID:    r.runID,
	}
	for _, res := range results {
		suite.Cases = append(suite.Cases, toJUnitCase(res, format))
	}

	data, err := xml.MarshalIndent(suite, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal junit xml: %w", err)
	}
	return append([]byte(xml.Header), data...), nil
}

// WriteJUnitXML 寫入 JUnit XML 檔案
func (r *Report) WriteJUnitXML(path, format string) error {
	data, err := r.JUnitXML(format)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create xunit directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func toJUnitCase(res types.TestResult, format string) junitCase {
	tc := junitCase{Name: res.Name, Time: fmt.Sprintf("%.1f", res.Duration.Seconds())}
	if i := strings.LastIndexByte(res.Name, '.'); i > 0 && i < len(res.Name)-1 {
		tc.ClassName = res.Name[:i]
		tc.Name = res.Name[i+1:]
	}
	tc.SystemOut = readOutput(res.OutputFile)

	switch res.Status {
	case types.StatusFailed:
		tc.Failure = &junitMessage{Message: "Failed"}
		if format == config.XUnitBamboo {
			tc.Failure.Text = tc.SystemOut
			tc.SystemOut = ""
		}
	case types.StatusSkipped:
		tc.Skipped = &junitMessage{Message: "Skipped"}
	}
	return tc
}

func readOutput(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "Failed to read output file: " + path
	}
	return string(data)
}
