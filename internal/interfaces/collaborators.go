package interfaces

import "context"

// ObjectStore uploads capture artifacts to object storage.
type ObjectStore interface {
	// Upload stores the file and returns its storage key.
	Upload(ctx context.Context, filepath string) (string, error)
}

// URLSigner produces signed image-transform URLs for stored artifacts.
type URLSigner interface {
	Sign(storageKey string, width, height int, format string) (string, error)
}

// URLRewriter maps public hosts to internal ones for navigation. Transform
// is the identity for unknown hosts; Reverse undoes a transform so content
// cache keys stay canonical.
type URLRewriter interface {
	Transform(url string) string
	Reverse(url string) string
}
