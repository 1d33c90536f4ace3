package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
)

var (
	metricsURL string
	metricsAll bool
)

// metricsCmd represents the metrics command
var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show server metrics",
	Long:  `Scrape the server's Prometheus endpoint and print the egress metrics.`,
	Args:  cobra.NoArgs,
	RunE:  runMetrics,
}

func init() {
	rootCmd.AddCommand(metricsCmd)
	metricsCmd.Flags().StringVar(&metricsURL, "metrics-url", "", "metrics endpoint (default <server>/metrics)")
	metricsCmd.Flags().BoolVar(&metricsAll, "all", false, "include Go runtime and process metrics")
}

// metricSample is one flattened series
type metricSample struct {
	Name   string  `json:"name"`
	Labels string  `json:"labels,omitempty"`
	Value  float64 `json:"value"`
}

func runMetrics(cmd *cobra.Command, args []string) error {
	url := metricsURL
	if url == "" {
		url = strings.TrimRight(serverURL, "/") + "/metrics"
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to scrape metrics: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metrics endpoint returned status %d", resp.StatusCode)
	}

	samples, err := parseMetrics(resp.Body, metricsAll)
	if err != nil {
		return err
	}
	if done, err := printStructured(os.Stdout, samples); done {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Metric", "Labels", "Value")
	for _, s := range samples {
		table.Append(s.Name, s.Labels, fmt.Sprintf("%g", s.Value))
	}
	table.Render()
	return nil
}

// parseMetrics flattens a text exposition into sorted samples. Histograms
// contribute their _count and _sum series.
func parseMetrics(r io.Reader, all bool) ([]metricSample, error) {
	dec := expfmt.NewDecoder(r, expfmt.NewFormat(expfmt.TypeTextPlain))
	var samples []metricSample
	for {
		var mf dto.MetricFamily
		if err := dec.Decode(&mf); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to parse metrics: %w", err)
		}
		name := mf.GetName()
		if !all && !strings.HasPrefix(name, "egress_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := formatLabels(m.GetLabel())
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				samples = append(samples, metricSample{Name: name, Labels: labels, Value: m.GetCounter().GetValue()})
			case dto.MetricType_GAUGE:
				samples = append(samples, metricSample{Name: name, Labels: labels, Value: m.GetGauge().GetValue()})
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				samples = append(samples,
					metricSample{Name: name + "_count", Labels: labels, Value: float64(h.GetSampleCount())},
					metricSample{Name: name + "_sum", Labels: labels, Value: h.GetSampleSum()},
				)
			default:
				samples = append(samples, metricSample{Name: name, Labels: labels, Value: m.GetUntyped().GetValue()})
			}
		}
	}
	sort.SliceStable(samples, func(i, j int) bool {
		if samples[i].Name != samples[j].Name {
			return samples[i].Name < samples[j].Name
		}
		return samples[i].Labels < samples[j].Labels
	})
	return samples, nil
}

func formatLabels(pairs []*dto.LabelPair) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p.GetName()+"="+p.GetValue())
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
