package video

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/andresmejia3/facetrace/internal/types"
)

// ffprobeOutput is the subset of `ffprobe -of json` we care about.
type ffprobeOutput struct {
	Streams []struct {
		CodecType     string `json:"codec_type"`
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		AvgFrameRate  string `json:"avg_frame_rate"`
		RFrameRate    string `json:"r_frame_rate"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
		Tags          struct {
			Rotate string `json:"rotate"`
		} `json:"tags"`
		SideDataList []struct {
			Rotation float64 `json:"rotation"`
		} `json:"side_data_list"`
	} `json:"streams"`
}

// Probe reads stream metadata for the first video stream of path.
// Width and Height are the displayed size: ffmpeg applies the rotation
// metadata while decoding, so a 90 or 270 degree stream has them swapped.
// It fails with ErrUnreadableStream when ffprobe cannot open the input or the
// input has no video stream with usable dimensions.
func Probe(ctx context.Context, path string, opts Options) (types.VideoInfo, error) {
	args := []string{"-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=codec_type,width,height,avg_frame_rate,r_frame_rate,nb_frames:stream_tags=rotate:stream_side_data=rotation",
		"-of", "json"}
	if opts.InputFormat != "" {
		args = append(args, "-f", opts.InputFormat)
	}
	args = append(args, path)

	out, err := exec.CommandContext(ctx, opts.ffprobe(), args...).Output()
	if err != nil {
		return types.VideoInfo{}, fmt.Errorf("%w: ffprobe %s: %v", ErrUnreadableStream, path, err)
	}

	info, err := parseProbe(out)
	if err != nil {
		return types.VideoInfo{}, fmt.Errorf("%w: %s: %v", ErrUnreadableStream, path, err)
	}

	if info.TotalFrames == 0 && opts.CountFrames {
		info.TotalFrames = countPackets(ctx, path, opts)
	}
	return info, nil
}

func parseProbe(out []byte) (types.VideoInfo, error) {
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return types.VideoInfo{}, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return types.VideoInfo{}, fmt.Errorf("no video stream")
	}
	s := res.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return types.VideoInfo{}, fmt.Errorf("invalid dimensions %dx%d", s.Width, s.Height)
	}

	fps := parseRate(s.AvgFrameRate)
	if fps <= 0 {
		fps = parseRate(s.RFrameRate)
	}
	if fps <= 0 {
		fps = DefaultFrameRate
	}

	total, err := strconv.Atoi(s.NbFrames)
	if err != nil || total < 0 {
		total = 0
	}

	width, height := s.Width, s.Height
	rotation, _ := strconv.ParseFloat(s.Tags.Rotate, 64)
	for _, sd := range s.SideDataList {
		if sd.Rotation != 0 {
			rotation = sd.Rotation
			break
		}
	}
	if quarterTurn(rotation) {
		width, height = height, width
	}

	return types.VideoInfo{
		FrameRate:   fps,
		Width:       width,
		Height:      height,
		TotalFrames: total,
	}, nil
}

// quarterTurn reports whether a rotation in degrees (either sign) turns the
// picture on its side.
func quarterTurn(degrees float64) bool {
	r := int(math.Round(degrees)) % 360
	if r < 0 {
		r += 360
	}
	return r == 90 || r == 270
}

// parseRate understands ffprobe's rational ("30000/1001") and plain forms.
// Anything unparseable, including "0/0", yields 0.
func parseRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// countPackets is the slow path: demux the whole file and count video packets.
// It returns 0 on any failure.
func countPackets(ctx context.Context, path string, opts Options) int {
	cmd := exec.CommandContext(ctx, opts.ffprobe(), "-v", "error", "-select_streams", "v:0", "-count_packets",
		"-show_entries", "stream=nb_read_packets", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return 0
	}

	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil || len(res.Streams) == 0 {
		return 0
	}
	count, err := strconv.Atoi(res.Streams[0].NbReadPackets)
	if err != nil {
		return 0
	}
	return count
}
