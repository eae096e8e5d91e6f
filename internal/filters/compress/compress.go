// Package compress encodes backend responses with gzip, brotli or zstd,
// negotiated from the client's Accept-Encoding.
package compress

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/wudi/portico/internal/filter"
)

// Module is the name descriptors use to reference this filter.
const Module = "compress"

// Config is the filter's configuration document.
type Config struct {
	Level        int      `yaml:"level"`
	MinSize      int64    `yaml:"min_size"`
	Algorithms   []string `yaml:"algorithms"`
	ContentTypes []string `yaml:"content_types"`
}

// defaultAlgoOrder is the server-preferred algorithm order.
var defaultAlgoOrder = []string{"br", "zstd", "gzip"}

var defaultContentTypes = []string{
	"text/html", "text/css", "text/plain", "text/javascript", "text/xml",
	"application/javascript", "application/json", "application/xml", "image/svg+xml",
}

type Spec struct{}

// NewSpec returns the module.
func NewSpec() Spec { return Spec{} }

func (Spec) Name() string { return Module }

// SupportsPhase restricts the module to postfilters.
func (Spec) SupportsPhase(p filter.Phase) bool { return p == filter.PhaseResponse }

func (Spec) CreateFilter(_ string, cfg filter.Config) (filter.Filter, error) {
	var c Config
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	return newCompressor(c)
}

type compressor struct {
	level        int
	minSize      int64
	algoOrder    []string
	contentTypes map[string]bool
	zstdPool     sync.Pool
}

func newCompressor(cfg Config) (*compressor, error) {
	c := &compressor{
		level:        cfg.Level,
		minSize:      cfg.MinSize,
		contentTypes: make(map[string]bool),
	}
	if c.level <= 0 || c.level > 11 {
		c.level = 6
	}
	if c.minSize <= 0 {
		c.minSize = 1024
	}

	enabled := make(map[string]bool)
	for _, algo := range cfg.Algorithms {
		switch algo {
		case "gzip", "br", "zstd":
			enabled[algo] = true
		default:
			return nil, fmt.Errorf("unknown compression algorithm %q", algo)
		}
	}
	for _, algo := range defaultAlgoOrder {
		if len(enabled) == 0 || enabled[algo] {
			c.algoOrder = append(c.algoOrder, algo)
		}
	}

	types := cfg.ContentTypes
	if len(types) == 0 {
		types = defaultContentTypes
	}
	for _, ct := range types {
		c.contentTypes[ct] = true
	}

	zstdLevel := zstd.EncoderLevelFromZstd(c.level)
	c.zstdPool = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel))
			return enc
		},
	}
	return c, nil
}

func (c *compressor) Apply(ctx *filter.Context) filter.Result {
	resp := ctx.Response()
	if resp == nil || resp.Body == nil || resp.Body == http.NoBody {
		return filter.Next()
	}
	if resp.Header.Get("Content-Encoding") != "" || resp.StatusCode == http.StatusNoContent ||
		resp.StatusCode == http.StatusNotModified || resp.StatusCode < 200 {
		return filter.Next()
	}
	if resp.ContentLength >= 0 && resp.ContentLength < c.minSize {
		return filter.Next()
	}
	if !c.isCompressibleType(resp.Header.Get("Content-Type")) {
		return filter.Next()
	}
	algo := c.negotiate(ctx.Request().Header.Get("Accept-Encoding"))
	if algo == "" {
		return filter.Next()
	}

	resp.Body = c.encode(resp.Body, algo)
	resp.ContentLength = -1
	resp.Header.Del("Content-Length")
	resp.Header.Set("Content-Encoding", algo)
	resp.Header.Add("Vary", "Accept-Encoding")
	return filter.Next()
}

// encodingWriter is an io.Writer that can be closed.
type encodingWriter interface {
	io.Writer
	Close() error
}

// encode returns a body that yields src compressed. The encoder runs in a
// goroutine feeding a pipe; closing the returned body stops it and closes
// src.
func (c *compressor) encode(src io.ReadCloser, algo string) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		enc := c.newEncodingWriter(pw, algo)
		_, err := io.Copy(enc, src)
		if cerr := enc.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()
	return &encodedBody{PipeReader: pr, src: src}
}

type encodedBody struct {
	*io.PipeReader
	src  io.Closer
	once sync.Once
}

func (b *encodedBody) Close() error {
	b.once.Do(func() {
		b.PipeReader.Close()
		b.src.Close()
	})
	return nil
}

// pooledZstdWriter wraps a *zstd.Encoder and returns it to a pool on Close.
type pooledZstdWriter struct {
	enc  *zstd.Encoder
	pool *sync.Pool
}

func (pw *pooledZstdWriter) Write(p []byte) (int, error) {
	return pw.enc.Write(p)
}

func (pw *pooledZstdWriter) Close() error {
	err := pw.enc.Close()
	pw.pool.Put(pw.enc)
	return err
}

func (c *compressor) newEncodingWriter(w io.Writer, algo string) encodingWriter {
	switch algo {
	case "br":
		return brotli.NewWriterLevel(w, c.level)
	case "zstd":
		enc := c.zstdPool.Get().(*zstd.Encoder)
		enc.Reset(w)
		return &pooledZstdWriter{enc: enc, pool: &c.zstdPool}
	default:
		gz, _ := gzip.NewWriterLevel(w, min(c.level, gzip.BestCompression))
		return gz
	}
}

// encodingPref represents a parsed Accept-Encoding entry.
type encodingPref struct {
	encoding string
	quality  float64
}

// parseAcceptEncoding parses the Accept-Encoding header per RFC 7231 §5.3.4.
func parseAcceptEncoding(header string) []encodingPref {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	prefs := make([]encodingPref, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		enc := part
		q := 1.0
		if idx := strings.Index(part, ";"); idx != -1 {
			enc = strings.TrimSpace(part[:idx])
			params := strings.TrimSpace(part[idx+1:])
			if strings.HasPrefix(params, "q=") {
				if v, err := strconv.ParseFloat(params[2:], 64); err == nil {
					q = v
				}
			}
		}
		prefs = append(prefs, encodingPref{encoding: strings.ToLower(enc), quality: q})
	}
	return prefs
}

// negotiate picks the client's highest-quality algorithm, breaking ties by
// server preference. It returns "" when nothing acceptable is enabled.
func (c *compressor) negotiate(acceptEncoding string) string {
	prefs := parseAcceptEncoding(acceptEncoding)
	if len(prefs) == 0 {
		return ""
	}

	clientPrefs := make(map[string]float64, len(prefs))
	hasWildcard := false
	wildcardQ := 0.0
	for _, p := range prefs {
		if p.encoding == "*" {
			hasWildcard = true
			wildcardQ = p.quality
		} else {
			clientPrefs[p.encoding] = p.quality
		}
	}

	bestAlgo := ""
	bestQ := -1.0
	for _, algo := range c.algoOrder {
		q, explicit := clientPrefs[algo]
		if !explicit {
			if !hasWildcard {
				continue
			}
			q = wildcardQ
		}
		if q <= 0 {
			continue
		}
		if q > bestQ {
			bestQ = q
			bestAlgo = algo
		}
	}
	return bestAlgo
}

func (c *compressor) isCompressibleType(contentType string) bool {
	ct := contentType
	if idx := strings.Index(ct, ";"); idx != -1 {
		ct = ct[:idx]
	}
	return c.contentTypes[strings.TrimSpace(strings.ToLower(ct))]
}
