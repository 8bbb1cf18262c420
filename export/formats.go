package export

// FormatInfo provides metadata about an artifact format.
type FormatInfo struct {
	// Name is the format identifier.
	Name Format

	// MIMEType is used as the encoding format of uploaded attachments.
	MIMEType string

	// Extension is the file extension (with dot).
	Extension string

	// Dir is the subdirectory holding per-cell files of this format.
	Dir string
}

// Format specifies an artifact serialization.
type Format string

const (
	// FormatJSON is the per-cell report with reconciliation fields.
	FormatJSON Format = "json"

	// FormatTSV is the single-row report with a commented header line.
	FormatTSV Format = "tsv"
)

// FormatRegistry contains metadata for all artifact formats.
var FormatRegistry = map[Format]FormatInfo{
	FormatJSON: {
		Name:      FormatJSON,
		MIMEType:  "application/json",
		Extension: ".json",
		Dir:       "json",
	},
	FormatTSV: {
		Name:      FormatTSV,
		MIMEType:  "text/tab-separated-values",
		Extension: ".tsv",
		Dir:       "tsv",
	},
}

// GetFormatInfo returns metadata for a format.
func GetFormatInfo(format Format) (FormatInfo, bool) {
	info, ok := FormatRegistry[format]
	return info, ok
}
