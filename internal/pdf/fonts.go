package pdf

import _ "embed"

// DejaVu Sans Condensed, as distributed with gofpdf.
var (
	//go:embed fonts/DejaVuSansCondensed.ttf
	regularFont []byte
	//go:embed fonts/DejaVuSansCondensed-Bold.ttf
	boldFont []byte
)
