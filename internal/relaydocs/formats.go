package relaydocs

import (
	"mime"
	"path"
	"strings"
)

var (
	documentExts     = []string{".doc", ".docx", ".docm", ".dot", ".dotx", ".odt", ".ott", ".rtf", ".txt", ".pdf", ".djvu", ".fb2", ".epub", ".xps", ".html", ".htm", ".mht"}
	spreadsheetExts  = []string{".xls", ".xlsx", ".xlsm", ".xlt", ".xltx", ".ods", ".ots", ".csv"}
	presentationExts = []string{".ppt", ".pptx", ".pptm", ".pps", ".ppsx", ".pot", ".potx", ".odp", ".otp"}
	imageExts        = []string{".bmp", ".gif", ".jpeg", ".jpg", ".png", ".tif", ".tiff", ".ico", ".svg", ".webp"}
	archiveExts      = []string{".zip", ".rar", ".7z", ".gz", ".tar", ".bz2", ".tgz"}
)

// convertibleExts lists, per source extension, the targets the conversion
// service accepts.
var convertibleExts = map[string][]string{
	".doc":  {".docx", ".odt", ".pdf", ".rtf", ".txt"},
	".docx": {".odt", ".pdf", ".rtf", ".txt", ".html"},
	".odt":  {".docx", ".pdf", ".rtf", ".txt"},
	".rtf":  {".docx", ".odt", ".pdf", ".txt"},
	".txt":  {".docx", ".odt", ".pdf", ".rtf"},
	".html": {".docx", ".odt", ".pdf", ".rtf", ".txt"},
	".xls":  {".xlsx", ".ods", ".pdf", ".csv"},
	".xlsx": {".ods", ".pdf", ".csv"},
	".ods":  {".xlsx", ".pdf", ".csv"},
	".csv":  {".xlsx", ".ods", ".pdf"},
	".ppt":  {".pptx", ".odp", ".pdf"},
	".pptx": {".odp", ".pdf"},
	".odp":  {".pptx", ".pdf"},
}

var fallbackMimeTypes = map[string]string{
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".odt":  "application/vnd.oasis.opendocument.text",
	".ods":  "application/vnd.oasis.opendocument.spreadsheet",
	".odp":  "application/vnd.oasis.opendocument.presentation",
	".doc":  "application/msword",
	".xls":  "application/vnd.ms-excel",
	".ppt":  "application/vnd.ms-powerpoint",
	".rtf":  "application/rtf",
	".csv":  "text/csv",
	".djvu": "image/vnd.djvu",
	".epub": "application/epub+zip",
	".fb2":  "text/xml",
}

// FileExtension returns the lower-case extension of title including the dot.
func FileExtension(title string) string {
	return strings.ToLower(path.Ext(strings.TrimSpace(title)))
}

// ReplaceExtension swaps the extension of title for ext.
func ReplaceExtension(title, ext string) string {
	base := strings.TrimSuffix(title, path.Ext(title))
	return base + ext
}

// Convertible reports whether the conversion service turns from into to.
func Convertible(from, to string) bool {
	from, to = strings.ToLower(from), strings.ToLower(to)
	if from == "" || to == "" || from == to {
		return false
	}
	for _, ext := range convertibleExts[from] {
		if ext == to {
			return true
		}
	}
	return false
}

// CategoryOf maps an extension to the content filter it belongs to, or
// FilterNone when it has no category.
func CategoryOf(ext string) FilterType {
	ext = strings.ToLower(ext)
	switch {
	case contains(documentExts, ext):
		return FilterDocuments
	case contains(spreadsheetExts, ext):
		return FilterSpreadsheets
	case contains(presentationExts, ext):
		return FilterPresentations
	case contains(imageExts, ext):
		return FilterImages
	case contains(archiveExts, ext):
		return FilterArchive
	default:
		return FilterNone
	}
}

// MimeType returns the content type for a file title.
func MimeType(title string) string {
	ext := FileExtension(title)
	if mt, ok := fallbackMimeTypes[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

const invalidTitleChars = "\\/:*?\"<>|"

// SanitizeTitle replaces characters that are not allowed in stored titles.
func SanitizeTitle(title string) string {
	title = strings.TrimSpace(title)
	var b strings.Builder
	b.Grow(len(title))
	for _, r := range title {
		if r < 0x20 || strings.ContainsRune(invalidTitleChars, r) {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// DownloadTitle is the file name offered in Content-Disposition.
func DownloadTitle(title string) string {
	return strings.ReplaceAll(title, ",", "_")
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
