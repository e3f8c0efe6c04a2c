// Package attachment captures voice notes and validates images on the client,
// holding each as a local temp file until it has been uploaded or discarded.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"marketplace-chat/internal/client/chaterr"
)

var (
	ErrPermissionDenied    = chaterr.E(chaterr.Permission, "attachment", errors.New("microphone access was denied"))
	ErrUnsupportedFormat   = chaterr.E(chaterr.Validation, "attachment", errors.New("this file format is not supported"))
	ErrOversize            = chaterr.E(chaterr.Validation, "attachment", errors.New("this file is too large"))
	ErrUpload              = chaterr.E(chaterr.Upload, "attachment", errors.New("the file could not be uploaded"))
	ErrRecordingInProgress = chaterr.E(chaterr.Validation, "attachment", errors.New("a recording is already in progress"))
	ErrDiscarded           = chaterr.E(chaterr.Validation, "attachment", errors.New("attachment was discarded"))
)

// AudioFormats is the recording format preference, best first.
var AudioFormats = []string{
	"audio/webm;codecs=opus",
	"audio/webm",
	"audio/ogg;codecs=opus",
	"audio/mp4",
	"audio/mpeg",
}

var imageTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

var audioExt = map[string]string{
	"audio/webm": ".webm",
	"audio/ogg":  ".ogg",
	"audio/mp4":  ".m4a",
	"audio/mpeg": ".mp3",
}

// AudioStream is an open capture. Close releases the device.
type AudioStream interface {
	io.ReadCloser
}

// Microphone is a capture device.
type Microphone interface {
	Supports(mimeType string) bool
	// Open starts capturing in mimeType. A refused permission is reported as ErrPermissionDenied.
	Open(ctx context.Context, mimeType string) (AudioStream, error)
}

// ProgressFunc observes upload progress.
type ProgressFunc func(sent, total int64)

// Uploader stores a file remotely and returns its durable URL.
type Uploader interface {
	Upload(ctx context.Context, fileName, contentType string, body io.Reader, size int64, progress ProgressFunc) (string, error)
}

// Config bounds local attachments.
type Config struct {
	MaxImageBytes int64
	MaxAudioBytes int64
	// TempDir holds local blobs; empty means os.TempDir.
	TempDir string
}

// DefaultConfig matches the gateway's default upload ceiling.
func DefaultConfig() Config {
	return Config{MaxImageBytes: 10 << 20, MaxAudioBytes: 10 << 20}
}

// Pipeline creates attachments. At most one recording is open at a time.
type Pipeline struct {
	up     Uploader
	mic    Microphone
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	recording *Recording
}

// New builds a Pipeline. mic may be nil when the client cannot record.
func New(up Uploader, mic Microphone, cfg Config, logger zerolog.Logger) *Pipeline {
	return &Pipeline{up: up, mic: mic, cfg: cfg, logger: logger, now: time.Now}
}

// Kind of attachment.
type Kind int

const (
	Image Kind = iota
	Audio
)

// Result is an uploaded attachment.
type Result struct {
	URL      string
	Duration int
}

// Attachment is a local blob waiting to be sent.
type Attachment struct {
	Kind     Kind
	Name     string
	MIMEType string
	Size     int64
	// Duration is whole seconds, rounded down. Zero for images.
	Duration int

	p        *Pipeline
	path     string
	mu       sync.Mutex
	removed  bool
	uploaded *Result
}

// Preview opens the local blob for playback or display.
func (a *Attachment) Preview() (io.ReadCloser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.removed {
		return nil, ErrDiscarded
	}
	return os.Open(a.path)
}

// Send uploads the blob once; later calls return the same Result without uploading
// again. The local copy stays until Release or Discard so a failed message send can be
// retried with the same attachment.
func (a *Attachment) Send(ctx context.Context, progress ProgressFunc) (Result, error) {
	a.mu.Lock()
	if a.removed {
		a.mu.Unlock()
		return Result{}, ErrDiscarded
	}
	if a.uploaded != nil {
		res := *a.uploaded
		a.mu.Unlock()
		return res, nil
	}
	f, err := os.Open(a.path)
	a.mu.Unlock()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUpload, err)
	}
	defer f.Close()

	url, err := a.p.up.Upload(ctx, a.Name, a.MIMEType, f, a.Size, progress)
	if err != nil {
		a.p.logger.Warn().Err(err).Str("file", a.Name).Msg("attachment upload failed")
		if errors.Is(err, ErrUpload) || errors.Is(err, ErrUnsupportedFormat) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %v", ErrUpload, err)
	}
	res := Result{URL: url, Duration: a.Duration}
	a.mu.Lock()
	a.uploaded = &res
	a.mu.Unlock()
	return res, nil
}

// Uploaded reports whether Send already succeeded.
func (a *Attachment) Uploaded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.uploaded != nil
}

// Release deletes the local blob after the message carrying it was delivered.
func (a *Attachment) Release() {
	a.remove()
}

// Discard deletes the local blob once confirm agrees. Without confirmation nothing happens.
func (a *Attachment) Discard(confirm func() bool) bool {
	if confirm == nil || !confirm() {
		return false
	}
	a.remove()
	return true
}

// Path is the local blob location.
func (a *Attachment) Path() string { return a.path }

func (a *Attachment) remove() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.removed {
		return
	}
	a.removed = true
	if err := os.Remove(a.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.p.logger.Warn().Err(err).Str("path", a.path).Msg("remove local attachment")
	}
}

// SelectImage copies r into a local blob after checking size and content type. The sniffed
// type wins over declaredMIME, but a declared non-image type is rejected outright.
func (p *Pipeline) SelectImage(name, declaredMIME string, r io.Reader) (*Attachment, error) {
	if declaredMIME != "" {
		if _, ok := imageTypes[baseType(declaredMIME)]; !ok {
			return nil, fmt.Errorf("select %s: %w", name, ErrUnsupportedFormat)
		}
	}

	f, err := os.CreateTemp(p.cfg.TempDir, "image-*")
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", name, err)
	}
	path := f.Name()
	n, err := io.Copy(f, io.LimitReader(r, p.cfg.MaxImageBytes+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("select %s: %w", name, err)
	}
	if n > p.cfg.MaxImageBytes {
		os.Remove(path)
		return nil, fmt.Errorf("select %s: %w", name, ErrOversize)
	}

	detected, err := mimetype.DetectFile(path)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("select %s: %w", name, err)
	}
	contentType := baseType(detected.String())
	if _, ok := imageTypes[contentType]; !ok {
		os.Remove(path)
		return nil, fmt.Errorf("select %s (%s): %w", name, contentType, ErrUnsupportedFormat)
	}

	return &Attachment{Kind: Image, Name: name, MIMEType: contentType, Size: n, p: p, path: path}, nil
}

// SelectImageFile is SelectImage for a file on disk.
func (p *Pipeline) SelectImageFile(path string) (*Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > p.cfg.MaxImageBytes {
		return nil, fmt.Errorf("select %s: %w", filepath.Base(path), ErrOversize)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return p.SelectImage(filepath.Base(path), mime.TypeByExtension(filepath.Ext(path)), f)
}

// Recording is an open microphone capture.
type Recording struct {
	p        *Pipeline
	stream   AudioStream
	file     *os.File
	mimeType string
	started  time.Time
	copied   chan copyResult

	once   sync.Once
	result *Attachment
	err    error
}

type copyResult struct {
	n   int64
	err error
}

// RecordingFormat picks the first preferred format the microphone supports.
func (p *Pipeline) RecordingFormat() (string, bool) {
	if p.mic == nil {
		return "", false
	}
	for _, f := range AudioFormats {
		if p.mic.Supports(f) {
			return f, true
		}
	}
	return "", false
}

// StartRecording opens the microphone and starts writing to a local blob.
func (p *Pipeline) StartRecording(ctx context.Context) (*Recording, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.recording != nil {
		return nil, ErrRecordingInProgress
	}
	format, ok := p.RecordingFormat()
	if !ok {
		return nil, fmt.Errorf("start recording: %w", ErrUnsupportedFormat)
	}

	stream, err := p.mic.Open(ctx, format)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("open microphone: %w", err)
	}
	f, err := os.CreateTemp(p.cfg.TempDir, "voice-*"+audioExt[baseType(format)])
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("start recording: %w", err)
	}

	r := &Recording{
		p:        p,
		stream:   stream,
		file:     f,
		mimeType: format,
		started:  p.now(),
		copied:   make(chan copyResult, 1),
	}
	limit := p.cfg.MaxAudioBytes
	go func() {
		n, err := io.Copy(f, io.LimitReader(stream, limit+1))
		r.copied <- copyResult{n: n, err: err}
	}()
	p.recording = r
	return r, nil
}

// Stop ends the capture and returns the recorded attachment. Calling Stop again
// returns the same result.
func (r *Recording) Stop() (*Attachment, error) {
	r.once.Do(func() {
		elapsed := r.p.now().Sub(r.started)
		res := r.finish()
		if res.err != nil {
			os.Remove(r.file.Name())
			r.err = fmt.Errorf("stop recording: %w", res.err)
			return
		}
		if res.n > r.p.cfg.MaxAudioBytes {
			os.Remove(r.file.Name())
			r.err = fmt.Errorf("stop recording: %w", ErrOversize)
			return
		}
		r.result = &Attachment{
			Kind:     Audio,
			Name:     filepath.Base(r.file.Name()),
			MIMEType: r.mimeType,
			Size:     res.n,
			Duration: int(elapsed / time.Second),
			p:        r.p,
			path:     r.file.Name(),
		}
	})
	return r.result, r.err
}

// Discard ends the capture and deletes what was recorded once confirm agrees.
// Without confirmation the recording keeps running.
func (r *Recording) Discard(confirm func() bool) bool {
	if confirm == nil || !confirm() {
		return false
	}
	r.Cancel()
	return true
}

// Cancel ends the capture and deletes what was recorded without asking. It is meant for
// teardown; user-initiated drops go through Discard.
func (r *Recording) Cancel() {
	r.once.Do(func() {
		r.finish()
		os.Remove(r.file.Name())
		r.err = ErrDiscarded
	})
}

// finish releases the stream, waits for the copy and frees the pipeline slot.
func (r *Recording) finish() copyResult {
	if err := r.stream.Close(); err != nil {
		r.p.logger.Debug().Err(err).Msg("close audio stream")
	}
	res := <-r.copied
	if err := r.file.Close(); err != nil && res.err == nil {
		res.err = err
	}
	if isClosedErr(res.err) {
		res.err = nil
	}

	r.p.mu.Lock()
	if r.p.recording == r {
		r.p.recording = nil
	}
	r.p.mu.Unlock()
	return res
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF)
}

func baseType(contentType string) string {
	media, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return media
}
