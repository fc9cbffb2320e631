package media

import (
	"context"
	"errors"
	"fmt"
	"math"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-class-pipeline/pkg/config"
)

const (
	// DefaultPartLimit is the largest payload handed to a provider in one part.
	DefaultPartLimit int64 = 16 << 20
	// DefaultMaxDuration bounds accepted recordings.
	DefaultMaxDuration = 2 * time.Hour

	minVideoBitrate  = 100_000
	maxAudioBitrate  = 64_000
	minSegmentSecs   = 10
	maxSegmentSecs   = 300
	firstReencodeSeg = 180
	scaleFilter      = "scale=trunc(iw/4)*2:trunc(ih/4)*2"
)

// Part is one provider-admissible payload.
type Part struct {
	Data []byte
	MIME string
}

// Rejection reasons.
const (
	ReasonAudioTooLarge = "audio_too_large"
	ReasonTooLong       = "too_long"
	ReasonUnsplittable  = "unsplittable"
)

// Rejection is a structural refusal that is safe to show to the uploader.
type Rejection struct {
	Reason  string
	English string
	Persian string
}

func (r *Rejection) Error() string { return r.English }

// Message is the bilingual user-facing text.
func (r *Rejection) Message() string {
	return r.English + "\n" + r.Persian
}

// AsRejection extracts a Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// Preparer bounds uploads and turns oversized video into parts under the per-part limit.
// Video is never reduced to audio only.
type Preparer struct {
	tools       Toolchain
	limit       int64
	maxDuration time.Duration
	workDir     string
	logger      *zap.Logger
}

// NewPreparer constructs a Preparer. A zero limit or duration takes the package default.
func NewPreparer(tools Toolchain, cfg config.MediaConfig, logger *zap.Logger) *Preparer {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := cfg.MaxPartBytes
	if limit <= 0 {
		limit = DefaultPartLimit
	}
	maxDuration := cfg.MaxDuration
	if maxDuration <= 0 {
		maxDuration = DefaultMaxDuration
	}
	return &Preparer{
		tools:       tools,
		limit:       limit,
		maxDuration: maxDuration,
		workDir:     os.TempDir(),
		logger:      logger,
	}
}

// Limit returns the per-part byte ceiling.
func (p *Preparer) Limit() int64 { return p.limit }

// Prepare returns the ordered parts for the file at path.
func (p *Preparer) Prepare(ctx context.Context, path, mimeType string) ([]Part, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat media: %w", err)
	}
	size := info.Size()

	if size <= p.limit {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read media: %w", err)
		}
		return []Part{{Data: data, MIME: mimeType}}, nil
	}

	if isAudio(mimeType) {
		return nil, p.audioTooLarge(size)
	}

	probe, err := p.tools.Probe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("probe media: %w", err)
	}
	if !probe.HasVideo() {
		return nil, p.audioTooLarge(size)
	}
	duration := probe.DurationSeconds()
	if duration <= 0 {
		return nil, errors.New("probe media: duration unavailable")
	}
	if duration > p.maxDuration.Seconds() {
		return nil, tooLong(duration, p.maxDuration)
	}

	work, err := os.MkdirTemp(p.workDir, "classpipe-media-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(work)

	log := p.logger.Sugar().With("size", humanize.IBytes(uint64(size)), "duration_s", int(duration))

	if parts, ok, err := p.reencodeWhole(ctx, path, work, duration); err != nil || ok {
		if ok {
			log.Infow("media compressed into a single part")
		}
		return parts, err
	}

	if parts, ok, err := p.copySegments(ctx, path, mimeType, work, size, duration); err != nil || ok {
		if ok {
			log.Infow("media split by stream copy", "parts", len(parts))
		}
		return parts, err
	}

	for seg := firstReencodeSeg; seg >= minSegmentSecs; seg /= 2 {
		parts, ok, err := p.reencodeSegments(ctx, path, work, seg)
		if err != nil {
			return nil, err
		}
		if ok {
			log.Infow("media split by re-encoding", "parts", len(parts), "segment_s", seg)
			return parts, nil
		}
		log.Debugw("re-encoded segments still over limit", "segment_s", seg)
	}
	return nil, p.unsplittable()
}

// Strategy A: one re-encode targeting the whole file under the limit.
func (p *Preparer) reencodeWhole(ctx context.Context, in, work string, duration float64) ([]Part, bool, error) {
	total := float64(p.limit) * 8 / duration * 0.9
	audio := math.Min(maxAudioBitrate, total/2)
	video := total - audio
	if video < minVideoBitrate {
		return nil, false, nil
	}
	out := filepath.Join(work, "whole.mp4")
	videoK := int(video / 1000)
	err := p.tools.FFmpeg(ctx,
		"-i", in,
		"-vf", scaleFilter,
		"-c:v", "libx264", "-preset", "ultrafast", "-crf", "30",
		"-maxrate", fmt.Sprintf("%dk", videoK), "-bufsize", fmt.Sprintf("%dk", videoK*2),
		"-c:a", "aac", "-b:a", fmt.Sprintf("%dk", int(audio/1000)),
		"-movflags", "+faststart",
		out,
	)
	if err != nil {
		return nil, false, err
	}
	return p.collect(work, "whole.", "video/mp4")
}

// Strategy B: remux into time segments without re-encoding.
func (p *Preparer) copySegments(ctx context.Context, in, mimeType, work string, size int64, duration float64) ([]Part, bool, error) {
	bytesPerSec := float64(size) / duration
	seg := int(float64(p.limit) / bytesPerSec * 0.85)
	if seg < minSegmentSecs {
		seg = minSegmentSecs
	}
	if seg > maxSegmentSecs {
		seg = maxSegmentSecs
	}
	ext := extensionFor(in, mimeType)
	prefix := "copy_"
	err := p.tools.FFmpeg(ctx,
		"-i", in,
		"-map", "0",
		"-c", "copy",
		"-f", "segment", "-segment_time", strconv.Itoa(seg), "-reset_timestamps", "1",
		filepath.Join(work, prefix+"%03d"+ext),
	)
	if err != nil {
		return nil, false, err
	}
	return p.collect(work, prefix, mimeType)
}

// Strategy C: re-encode into segments of seg seconds.
func (p *Preparer) reencodeSegments(ctx context.Context, in, work string, seg int) ([]Part, bool, error) {
	prefix := "enc" + strconv.Itoa(seg) + "_"
	err := p.tools.FFmpeg(ctx,
		"-i", in,
		"-map", "0:v:0", "-map", "0:a?",
		"-vf", scaleFilter,
		"-c:v", "libx264", "-preset", "ultrafast", "-crf", "30",
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", seg),
		"-c:a", "aac", "-b:a", "64k",
		"-f", "segment", "-segment_time", strconv.Itoa(seg), "-reset_timestamps", "1",
		filepath.Join(work, prefix+"%03d.mp4"),
	)
	if err != nil {
		return nil, false, err
	}
	return p.collect(work, prefix, "video/mp4")
}

// collect loads outputs named prefix* in order. ok is false when any output is over the limit.
func (p *Preparer) collect(work, prefix, mimeType string) ([]Part, bool, error) {
	matches, err := filepath.Glob(filepath.Join(work, prefix+"*"))
	if err != nil {
		return nil, false, fmt.Errorf("list media outputs: %w", err)
	}
	if len(matches) == 0 {
		return nil, false, errors.New("encoder produced no output")
	}
	sort.Strings(matches)
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			return nil, false, fmt.Errorf("stat media output: %w", err)
		}
		if info.Size() > p.limit {
			return nil, false, nil
		}
	}
	parts := make([]Part, 0, len(matches))
	for _, match := range matches {
		data, err := os.ReadFile(match)
		if err != nil {
			return nil, false, fmt.Errorf("read media output: %w", err)
		}
		parts = append(parts, Part{Data: data, MIME: mimeType})
	}
	return parts, true, nil
}

func (p *Preparer) audioTooLarge(size int64) *Rejection {
	got, limit := humanize.IBytes(uint64(size)), humanize.IBytes(uint64(p.limit))
	return &Rejection{
		Reason:  ReasonAudioTooLarge,
		English: fmt.Sprintf("The audio file is too large (%s, limit %s). Please upload a shorter recording.", got, limit),
		Persian: fmt.Sprintf("فایل صوتی بیش از حد بزرگ است (%s، حداکثر %s). لطفاً فایل کوتاه‌تری بارگذاری کنید.", got, limit),
	}
}

func tooLong(seconds float64, max time.Duration) *Rejection {
	got := (time.Duration(seconds) * time.Second).Round(time.Second).String()
	return &Rejection{
		Reason:  ReasonTooLong,
		English: fmt.Sprintf("The video is too long (%s, maximum %s).", got, max.String()),
		Persian: fmt.Sprintf("ویدیو بیش از حد طولانی است (%s، حداکثر %s).", got, max.String()),
	}
}

func (p *Preparer) unsplittable() *Rejection {
	limit := humanize.IBytes(uint64(p.limit))
	return &Rejection{
		Reason:  ReasonUnsplittable,
		English: fmt.Sprintf("The video could not be reduced below %s per part. Please upload a smaller file.", limit),
		Persian: fmt.Sprintf("امکان کاهش حجم ویدیو به کمتر از %s در هر بخش وجود نداشت. لطفاً فایل کوچک‌تری بارگذاری کنید.", limit),
	}
}

func isAudio(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "audio/")
}

func extensionFor(path, mimeType string) string {
	if ext := filepath.Ext(path); ext != "" {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".mp4"
}
