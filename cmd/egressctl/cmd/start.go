package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

// outputFlags are shared by the start commands
type outputFlags struct {
	request         string
	preset          string
	filepath        string
	fileType        string
	streamURLs      []string
	protocol        string
	segmentPrefix   string
	playlist        string
	segmentDuration uint32
}

func (f *outputFlags) register(cmd *cobra.Command, encoded bool) {
	cmd.Flags().StringVar(&f.request, "request", "", "read the full request from a YAML file; other flags are ignored")
	cmd.Flags().StringVar(&f.filepath, "file", "", "record to this file path (supports {egress_id}, {room_name}, {time})")
	if !encoded {
		return
	}
	cmd.Flags().StringVar(&f.preset, "preset", "", "encoding preset (e.g. H264_1080P_30)")
	cmd.Flags().StringVar(&f.fileType, "file-type", "", "file container: MP4 or OGG")
	cmd.Flags().StringArrayVar(&f.streamURLs, "stream-url", nil, "restream to this endpoint (repeatable)")
	cmd.Flags().StringVar(&f.protocol, "protocol", string(models.StreamProtocolRTMP), "stream protocol: RTMP or SRT")
	cmd.Flags().StringVar(&f.segmentPrefix, "segments", "", "write HLS segments with this filename prefix")
	cmd.Flags().StringVar(&f.playlist, "playlist", "", "HLS playlist name")
	cmd.Flags().Uint32Var(&f.segmentDuration, "segment-duration", 0, "HLS segment duration in seconds")
}

func (f *outputFlags) file() *models.EncodedFileOutput {
	if f.filepath == "" {
		return nil
	}
	return &models.EncodedFileOutput{Filepath: f.filepath, FileType: models.EncodedFileType(f.fileType)}
}

func (f *outputFlags) stream() *models.StreamOutput {
	if len(f.streamURLs) == 0 {
		return nil
	}
	return &models.StreamOutput{Protocol: models.StreamProtocol(f.protocol), URLs: f.streamURLs}
}

func (f *outputFlags) segments() *models.SegmentedFileOutput {
	if f.segmentPrefix == "" && f.playlist == "" {
		return nil
	}
	return &models.SegmentedFileOutput{
		Protocol:        models.SegmentedProtocolHLS,
		FilenamePrefix:  f.segmentPrefix,
		PlaylistName:    f.playlist,
		SegmentDuration: f.segmentDuration,
	}
}

func (f *outputFlags) presetPtr() *models.EncodingOptionsPreset {
	if f.preset == "" {
		return nil
	}
	p := models.EncodingOptionsPreset(f.preset)
	return &p
}

// loadRequest decodes a YAML request file into req
func loadRequest(path string, req any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read request file: %w", err)
	}
	if err := yaml.Unmarshal(data, req); err != nil {
		return fmt.Errorf("failed to parse request file: %w", err)
	}
	return nil
}

var (
	roomFlags      outputFlags
	roomLayout     string
	roomAudioOnly  bool
	roomVideoOnly  bool
	roomCustomBase string

	compositeFlags outputFlags
	audioTrackID   string
	videoTrackID   string

	trackFlags     outputFlags
	trackWebsocket string
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start an egress job",
	Long:  `Start a room composite, track composite or track egress.`,
}

var startRoomCmd = &cobra.Command{
	Use:   "room <room-name>",
	Short: "Record or stream a composited view of a room",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStartRoom,
}

var startTrackCompositeCmd = &cobra.Command{
	Use:   "track-composite <room-name>",
	Short: "Mux one audio and one video track",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStartTrackComposite,
}

var startTrackCmd = &cobra.Command{
	Use:   "track <room-name> <track-id>",
	Short: "Export a single track without transcoding",
	Args:  cobra.RangeArgs(0, 2),
	RunE:  runStartTrack,
}

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.AddCommand(startRoomCmd)
	startCmd.AddCommand(startTrackCompositeCmd)
	startCmd.AddCommand(startTrackCmd)

	roomFlags.register(startRoomCmd, true)
	startRoomCmd.Flags().StringVar(&roomLayout, "layout", "", "layout name")
	startRoomCmd.Flags().BoolVar(&roomAudioOnly, "audio-only", false, "capture audio only")
	startRoomCmd.Flags().BoolVar(&roomVideoOnly, "video-only", false, "capture video only")
	startRoomCmd.Flags().StringVar(&roomCustomBase, "custom-base-url", "", "custom template URL for the renderer")

	compositeFlags.register(startTrackCompositeCmd, true)
	startTrackCompositeCmd.Flags().StringVar(&audioTrackID, "audio-track", "", "audio track id")
	startTrackCompositeCmd.Flags().StringVar(&videoTrackID, "video-track", "", "video track id")

	trackFlags.register(startTrackCmd, false)
	startTrackCmd.Flags().StringVar(&trackWebsocket, "websocket-url", "", "stream raw track data to this websocket URL")
}

func runStartRoom(cmd *cobra.Command, args []string) error {
	req := &models.RoomCompositeEgressRequest{}
	if roomFlags.request != "" {
		if err := loadRequest(roomFlags.request, req); err != nil {
			return err
		}
	} else {
		if len(args) != 1 {
			return fmt.Errorf("room name is required")
		}
		req = &models.RoomCompositeEgressRequest{
			RoomName:      args[0],
			Layout:        roomLayout,
			AudioOnly:     roomAudioOnly,
			VideoOnly:     roomVideoOnly,
			CustomBaseURL: roomCustomBase,
			File:          roomFlags.file(),
			Stream:        roomFlags.stream(),
			Segments:      roomFlags.segments(),
			Preset:        roomFlags.presetPtr(),
		}
	}
	return startAndPrint(cmd, func(ctx context.Context, c egressClient) (*models.EgressInfo, error) {
		return c.StartRoomCompositeEgress(ctx, req)
	})
}

func runStartTrackComposite(cmd *cobra.Command, args []string) error {
	req := &models.TrackCompositeEgressRequest{}
	if compositeFlags.request != "" {
		if err := loadRequest(compositeFlags.request, req); err != nil {
			return err
		}
	} else {
		if len(args) != 1 {
			return fmt.Errorf("room name is required")
		}
		req = &models.TrackCompositeEgressRequest{
			RoomName:     args[0],
			AudioTrackID: audioTrackID,
			VideoTrackID: videoTrackID,
			File:         compositeFlags.file(),
			Stream:       compositeFlags.stream(),
			Segments:     compositeFlags.segments(),
			Preset:       compositeFlags.presetPtr(),
		}
	}
	return startAndPrint(cmd, func(ctx context.Context, c egressClient) (*models.EgressInfo, error) {
		return c.StartTrackCompositeEgress(ctx, req)
	})
}

func runStartTrack(cmd *cobra.Command, args []string) error {
	req := &models.TrackEgressRequest{}
	if trackFlags.request != "" {
		if err := loadRequest(trackFlags.request, req); err != nil {
			return err
		}
	} else {
		if len(args) != 2 {
			return fmt.Errorf("room name and track id are required")
		}
		req = &models.TrackEgressRequest{
			RoomName:     args[0],
			TrackID:      args[1],
			WebsocketURL: trackWebsocket,
		}
		if trackFlags.filepath != "" {
			req.File = &models.DirectFileOutput{Filepath: trackFlags.filepath}
		}
	}
	return startAndPrint(cmd, func(ctx context.Context, c egressClient) (*models.EgressInfo, error) {
		return c.StartTrackEgress(ctx, req)
	})
}

func startAndPrint(cmd *cobra.Command, start func(ctx context.Context, c egressClient) (*models.EgressInfo, error)) error {
	return withClient(cmd, func(ctx context.Context, c egressClient) error {
		info, err := start(ctx, c)
		if err != nil {
			return fmt.Errorf("failed to start egress: %w", err)
		}
		if err := printInfo(info); err != nil {
			return err
		}
		if outputFormat == "table" {
			fmt.Printf("\nEgress %s started\n", info.EgressID)
		}
		return nil
	})
}
