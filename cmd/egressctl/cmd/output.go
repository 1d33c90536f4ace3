package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

// printStructured writes v as JSON or YAML. It reports false for table output.
func printStructured(w io.Writer, v any) (bool, error) {
	switch outputFormat {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return true, fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(w, string(data))
		return true, nil
	case "yaml":
		// round trip through JSON so YAML keys follow the wire names
		data, err := json.Marshal(v)
		if err != nil {
			return true, fmt.Errorf("failed to marshal YAML: %w", err)
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return true, fmt.Errorf("failed to marshal YAML: %w", err)
		}
		out, err := yaml.Marshal(doc)
		if err != nil {
			return true, fmt.Errorf("failed to marshal YAML: %w", err)
		}
		fmt.Fprint(w, string(out))
		return true, nil
	case "table", "":
		return false, nil
	default:
		return true, fmt.Errorf("unknown output format %q", outputFormat)
	}
}

const redacted = "[redacted]"

// redact returns a copy of info without upload credentials
func redact(info *models.EgressInfo) *models.EgressInfo {
	c := info.Clone()
	if c == nil {
		return nil
	}
	mask := func(s3 *models.S3Upload, gcp *models.GCPUpload, azure *models.AzureBlobUpload) {
		if s3 != nil && s3.Secret != "" {
			s3.Secret = redacted
		}
		if gcp != nil && len(gcp.Credentials) > 0 {
			gcp.Credentials = []byte(redacted)
		}
		if azure != nil && azure.AccountKey != "" {
			azure.AccountKey = redacted
		}
	}
	req := c.Request
	for _, f := range []*models.EncodedFileOutput{fileOf(req.RoomComposite), fileOfComposite(req.TrackComposite)} {
		if f != nil {
			mask(f.S3, f.GCP, f.Azure)
		}
	}
	for _, seg := range []*models.SegmentedFileOutput{segmentsOf(req.RoomComposite), segmentsOfComposite(req.TrackComposite)} {
		if seg != nil {
			mask(seg.S3, seg.GCP, seg.Azure)
		}
	}
	if req.Track != nil && req.Track.File != nil {
		mask(req.Track.File.S3, req.Track.File.GCP, req.Track.File.Azure)
	}
	return c
}

func fileOf(r *models.RoomCompositeEgressRequest) *models.EncodedFileOutput {
	if r == nil {
		return nil
	}
	return r.File
}

func fileOfComposite(r *models.TrackCompositeEgressRequest) *models.EncodedFileOutput {
	if r == nil {
		return nil
	}
	return r.File
}

func segmentsOf(r *models.RoomCompositeEgressRequest) *models.SegmentedFileOutput {
	if r == nil {
		return nil
	}
	return r.Segments
}

func segmentsOfComposite(r *models.TrackCompositeEgressRequest) *models.SegmentedFileOutput {
	if r == nil {
		return nil
	}
	return r.Segments
}

func printInfo(info *models.EgressInfo) error {
	info = redact(info)
	if done, err := printStructured(os.Stdout, info); done {
		return err
	}
	writeInfoTable(os.Stdout, info)
	return nil
}

func writeInfoTable(w io.Writer, info *models.EgressInfo) {
	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")

	table.Append("Egress ID", info.EgressID)
	table.Append("Room", info.RoomName)
	table.Append("Type", string(info.Request.Kind()))
	table.Append("Status", string(info.Status))
	table.Append("Created At", formatMicros(info.CreatedAt))
	if info.StartedAt > 0 {
		table.Append("Started At", formatMicros(info.StartedAt))
	}
	if info.EndedAt > 0 {
		table.Append("Ended At", formatMicros(info.EndedAt))
	}
	if info.Error != "" {
		table.Append("Error", info.Error)
	}

	if r := info.Result; r != nil {
		switch {
		case r.File != nil:
			table.Append("File", r.File.Filename)
			table.Append("Size", fmt.Sprintf("%d", r.File.Size))
			if r.File.Location != "" {
				table.Append("Location", r.File.Location)
			}
		case r.Segments != nil:
			table.Append("Playlist", r.Segments.PlaylistName)
			table.Append("Segments", fmt.Sprintf("%d", r.Segments.SegmentCount))
			table.Append("Size", fmt.Sprintf("%d", r.Segments.Size))
			if r.Segments.PlaylistLocation != "" {
				table.Append("Location", r.Segments.PlaylistLocation)
			}
		case r.Stream != nil:
			for _, s := range r.Stream.Info {
				value := string(s.Status)
				if s.Error != "" {
					value += ": " + s.Error
				}
				table.Append(s.URL, value)
			}
		}
	}
	table.Render()
}

func printList(resp *models.ListEgressResponse) error {
	items := make([]*models.EgressInfo, 0, len(resp.Items))
	for _, info := range resp.Items {
		items = append(items, redact(info))
	}
	resp = &models.ListEgressResponse{Items: items}
	if done, err := printStructured(os.Stdout, resp); done {
		return err
	}
	writeListTable(os.Stdout, resp.Items)
	fmt.Printf("\nTotal: %d egress job(s)\n", len(resp.Items))
	return nil
}

func writeListTable(w io.Writer, items []*models.EgressInfo) {
	table := tablewriter.NewWriter(w)
	table.Header("Egress ID", "Room", "Type", "Status", "Started", "Error")
	for _, info := range items {
		started := "-"
		if info.StartedAt > 0 {
			started = formatMicros(info.StartedAt)
		}
		table.Append(info.EgressID, info.RoomName, string(info.Request.Kind()), string(info.Status), started, truncate(info.Error, 40))
	}
	table.Render()
}

func formatMicros(us int64) string {
	if us <= 0 {
		return "-"
	}
	return time.UnixMicro(us).Format(time.RFC3339)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
