package models

// ScreenshotRequest is the input to the single-shot capture pipeline.
type ScreenshotRequest struct {
	URL      string `json:"url" validate:"required,url"`
	Width    int    `json:"width" validate:"min=1,max=3840"`
	Height   int    `json:"height" validate:"min=1,max=2160"`
	Format   string `json:"format" validate:"oneof=png jpeg webp"`
	UseCache bool   `json:"use_cache"`
}

// Normalize fills default viewport and format for zero values.
func (r *ScreenshotRequest) Normalize() {
	if r.Width == 0 {
		r.Width = 1280
	}
	if r.Height == 0 {
		r.Height = 720
	}
	if r.Format == "" {
		r.Format = "png"
	}
}

// ScreenshotResult is the outcome of a capture: the signed URL of the
// uploaded artifact and whether it was served from the result cache.
type ScreenshotResult struct {
	URL    string `json:"url"`
	Cached bool   `json:"cached"`
}
