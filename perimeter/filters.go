package perimeter

import (
	"fmt"
	"strings"

	"hostlink/models"
)

// Verdict is the outcome of a content filter.
type Verdict int

const (
	VerdictAccept Verdict = iota
	VerdictReject
	VerdictQuarantine
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictReject:
		return "reject"
	case VerdictQuarantine:
		return "quarantine"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// FilterResult is a verdict with a reason for logs. Reasons are not sent to
// the remote host.
type FilterResult struct {
	Verdict Verdict
	Reason  string
}

// Accepted reports whether the filter let the content through.
func (r FilterResult) Accepted() bool {
	return r.Verdict == VerdictAccept
}

func accept() FilterResult { return FilterResult{Verdict: VerdictAccept} }

func reject(format string, args ...any) FilterResult {
	return FilterResult{Verdict: VerdictReject, Reason: fmt.Sprintf(format, args...)}
}

func quarantine(format string, args ...any) FilterResult {
	return FilterResult{Verdict: VerdictQuarantine, Reason: fmt.Sprintf(format, args...)}
}

// PartInfo describes a staged payload or thumbnail.
type PartInfo struct {
	PayloadKey  string
	ContentType string
	Width       int
	Height      int
	Size        int64
	// StagedTotal is the byte count of every part staged so far, this one included.
	StagedTotal int64
}

// IsThumbnail reports whether the part is a thumbnail.
func (p PartInfo) IsThumbnail() bool {
	return p.Width > 0 && p.Height > 0
}

// Filter inspects inbound metadata and each staged part.
type Filter interface {
	Name() string
	FilterMetadata(sender models.Identity, md models.FileMetadata) FilterResult
	FilterPart(sender models.Identity, part PartInfo) FilterResult
}

// FilterChain runs filters in order and stops at the first non-accept verdict.
type FilterChain []Filter

func (c FilterChain) Name() string { return "chain" }

func (c FilterChain) FilterMetadata(sender models.Identity, md models.FileMetadata) FilterResult {
	for _, f := range c {
		if res := f.FilterMetadata(sender, md); !res.Accepted() {
			res.Reason = f.Name() + ": " + res.Reason
			return res
		}
	}
	return accept()
}

func (c FilterChain) FilterPart(sender models.Identity, part PartInfo) FilterResult {
	for _, f := range c {
		if res := f.FilterPart(sender, part); !res.Accepted() {
			res.Reason = f.Name() + ": " + res.Reason
			return res
		}
	}
	return accept()
}

// MaxSizeFilter bounds single parts and the total, both as declared and as
// streamed.
type MaxSizeFilter struct {
	MaxPartBytes  int64
	MaxTotalBytes int64
}

func (f MaxSizeFilter) Name() string { return "max_size" }

func (f MaxSizeFilter) FilterMetadata(_ models.Identity, md models.FileMetadata) FilterResult {
	var total int64
	for _, p := range md.Payloads {
		if f.MaxPartBytes > 0 && p.BytesWritten > f.MaxPartBytes {
			return reject("payload %q declares %d bytes", p.Key, p.BytesWritten)
		}
		total += p.BytesWritten
	}
	if f.MaxTotalBytes > 0 && total > f.MaxTotalBytes {
		return reject("declared total %d bytes", total)
	}
	return accept()
}

func (f MaxSizeFilter) FilterPart(_ models.Identity, part PartInfo) FilterResult {
	if f.MaxPartBytes > 0 && part.Size > f.MaxPartBytes {
		return reject("part %q is %d bytes", part.PayloadKey, part.Size)
	}
	if f.MaxTotalBytes > 0 && part.StagedTotal > f.MaxTotalBytes {
		return reject("streamed total %d bytes", part.StagedTotal)
	}
	return accept()
}

// ContentTypeFilter quarantines parts whose content type is not allowed.
// Entries ending in "/" match a whole top-level type.
type ContentTypeFilter struct {
	Allowed []string
}

func (f ContentTypeFilter) Name() string { return "content_type" }

func (f ContentTypeFilter) allowed(contentType string) bool {
	if len(f.Allowed) == 0 {
		return true
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	for _, a := range f.Allowed {
		a = strings.ToLower(a)
		if strings.HasSuffix(a, "/") && strings.HasPrefix(contentType, a) {
			return true
		}
		if a == contentType {
			return true
		}
	}
	return false
}

func (f ContentTypeFilter) FilterMetadata(_ models.Identity, md models.FileMetadata) FilterResult {
	for _, p := range md.Payloads {
		if !f.allowed(p.ContentType) {
			return quarantine("payload %q has type %q", p.Key, p.ContentType)
		}
		for _, t := range p.Thumbnails {
			if !f.allowed(t.ContentType) {
				return quarantine("thumbnail of %q has type %q", p.Key, t.ContentType)
			}
		}
	}
	return accept()
}

func (f ContentTypeFilter) FilterPart(_ models.Identity, part PartInfo) FilterResult {
	if !f.allowed(part.ContentType) {
		return quarantine("part %q has type %q", part.PayloadKey, part.ContentType)
	}
	return accept()
}

// ThumbnailDimensionFilter rejects oversized thumbnails.
type ThumbnailDimensionFilter struct {
	MaxWidth  int
	MaxHeight int
}

func (f ThumbnailDimensionFilter) Name() string { return "thumbnail_dimensions" }

func (f ThumbnailDimensionFilter) fits(width, height int) bool {
	return (f.MaxWidth <= 0 || width <= f.MaxWidth) && (f.MaxHeight <= 0 || height <= f.MaxHeight)
}

func (f ThumbnailDimensionFilter) FilterMetadata(_ models.Identity, md models.FileMetadata) FilterResult {
	for _, p := range md.Payloads {
		for _, t := range p.Thumbnails {
			if !f.fits(t.PixelWidth, t.PixelHeight) {
				return reject("thumbnail %dx%d of %q", t.PixelWidth, t.PixelHeight, p.Key)
			}
		}
	}
	return accept()
}

func (f ThumbnailDimensionFilter) FilterPart(_ models.Identity, part PartInfo) FilterResult {
	if part.IsThumbnail() && !f.fits(part.Width, part.Height) {
		return reject("thumbnail %dx%d of %q", part.Width, part.Height, part.PayloadKey)
	}
	return accept()
}
