// Package transcription downloads audio attachments and turns them into text.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Texts merged into the message when an attachment could not be transcribed.
const (
	TooLargeText = "[The voice message was too large to transcribe.]"
	FailedText   = "[The voice message could not be transcribed.]"
)

// ErrUnsupportedContentType is returned before any download for content
// types outside the configured set.
var ErrUnsupportedContentType = errors.New("transcription: unsupported content type")

// Transcriber converts audio bytes to text.
type Transcriber interface {
	Transcribe(ctx context.Context, model, filename, contentType string, audio []byte) (string, error)
}

// ParamGetter reads configuration parameters.
type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// MediaAuth supplies basic-auth credentials for carrier media URLs.
type MediaAuth interface {
	MediaCredentials(ctx context.Context) (user, password string, err error)
}

// Result is the outcome of Transcribe. TooLarge results carry no text.
type Result struct {
	Text     string
	TooLarge bool
	Bytes    int64
}

// Limits bounds attachment downloads.
type Limits struct {
	MaxBytes     int64
	Timeout      time.Duration
	ContentTypes []string
}

// Adapter downloads and transcribes attachments.
type Adapter struct {
	transcriber Transcriber
	params      ParamGetter
	paramPrefix string
	httpClient  *http.Client
	auth        MediaAuth
	maxBytes    int64
	timeout     time.Duration
	allowed     map[string]bool

	cacheMu     sync.RWMutex
	cacheLoaded bool
	model       string
}

type Option func(*Adapter)

func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) {
		a.httpClient = c
	}
}

// WithMediaAuth sends basic-auth credentials with every download.
func WithMediaAuth(auth MediaAuth) Option {
	return func(a *Adapter) {
		a.auth = auth
	}
}

// New creates an Adapter. The transcription model is read from
// <paramPrefix>/config/transcription_model on first use.
func New(t Transcriber, params ParamGetter, paramPrefix string, limits Limits, opts ...Option) (*Adapter, error) {
	if t == nil {
		return nil, errors.New("transcription: transcriber must not be nil")
	}
	if params == nil {
		return nil, errors.New("transcription: param getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("transcription: parameter prefix must not be empty")
	}
	if limits.MaxBytes <= 0 {
		return nil, errors.New("transcription: max bytes must be positive")
	}
	if limits.Timeout <= 0 {
		return nil, errors.New("transcription: timeout must be positive")
	}
	allowed := make(map[string]bool, len(limits.ContentTypes))
	for _, ct := range limits.ContentTypes {
		if ct = NormalizeContentType(ct); ct != "" {
			allowed[ct] = true
		}
	}
	if len(allowed) == 0 {
		return nil, errors.New("transcription: at least one content type is required")
	}
	a := &Adapter{
		transcriber: t,
		params:      params,
		paramPrefix: paramPrefix,
		httpClient:  &http.Client{},
		maxBytes:    limits.MaxBytes,
		timeout:     limits.Timeout,
		allowed:     allowed,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Supports reports whether contentType is in the configured set.
func (a *Adapter) Supports(contentType string) bool {
	return a.allowed[NormalizeContentType(contentType)]
}

// Transcribe downloads url and returns its transcription. An attachment over
// the size ceiling yields Result{TooLarge: true} and a nil error.
func (a *Adapter) Transcribe(ctx context.Context, url, contentType string) (Result, error) {
	ct := NormalizeContentType(contentType)
	if !a.allowed[ct] {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}
	if strings.TrimSpace(url) == "" {
		return Result{}, errors.New("transcription: url must not be empty")
	}
	model, err := a.ensureModel(ctx)
	if err != nil {
		return Result{}, err
	}

	audio, tooLarge, err := a.download(ctx, url)
	if err != nil {
		return Result{}, err
	}
	if tooLarge {
		return Result{TooLarge: true, Bytes: int64(len(audio))}, nil
	}

	text, err := a.transcriber.Transcribe(ctx, model, "attachment"+extension(ct), ct, audio)
	if err != nil {
		return Result{}, fmt.Errorf("transcription: transcribe: %w", err)
	}
	return Result{Text: strings.TrimSpace(text), Bytes: int64(len(audio))}, nil
}

func (a *Adapter) download(ctx context.Context, url string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("transcription: create request: %w", err)
	}
	if a.auth != nil {
		user, pass, err := a.auth.MediaCredentials(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("transcription: media credentials: %w", err)
		}
		req.SetBasicAuth(user, pass)
	}

	res, err := a.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("transcription: download: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, false, fmt.Errorf("transcription: download: unexpected status %d", res.StatusCode)
	}
	if res.ContentLength > a.maxBytes {
		return nil, true, nil
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, a.maxBytes+1))
	if err != nil {
		return nil, false, fmt.Errorf("transcription: read body: %w", err)
	}
	if int64(len(buf)) > a.maxBytes {
		return nil, true, nil
	}
	return buf, false, nil
}

func (a *Adapter) ensureModel(ctx context.Context) (string, error) {
	a.cacheMu.RLock()
	if a.cacheLoaded {
		model := a.model
		a.cacheMu.RUnlock()
		return model, nil
	}
	a.cacheMu.RUnlock()

	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	if a.cacheLoaded {
		return a.model, nil
	}
	model, err := a.params.GetParameter(ctx, a.paramPrefix+"/config/transcription_model")
	if err != nil {
		return "", fmt.Errorf("transcription: load model: %w", err)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("transcription: model parameter is empty")
	}
	a.model = model
	a.cacheLoaded = true
	return model, nil
}

// NormalizeContentType lower-cases the media type and drops parameters.
func NormalizeContentType(ct string) string {
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// IsAudio reports whether the content type is any audio type.
func IsAudio(contentType string) bool {
	return strings.HasPrefix(NormalizeContentType(contentType), "audio/")
}

func extension(ct string) string {
	switch ct {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/aac":
		return ".m4a"
	case "audio/ogg":
		return ".ogg"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/webm":
		return ".webm"
	case "audio/amr":
		return ".amr"
	case "audio/3gpp":
		return ".3gp"
	}
	return ""
}
