// Package sniff classifies uploads by content rather than by extension.
package sniff

import (
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/srvrs/srvrs/pkg/activity"
)

// Result is the outcome of sniffing one file.
type Result struct {
	Kind activity.Kind
	MIME string
}

// Func sniffs the file at path.
type Func func(path string) (Result, error)

// exact maps MIME types whose top-level type does not reveal the kind.
var exact = map[string]activity.Kind{
	"application/epub+zip":                          activity.KindBook,
	"application/x-mobipocket-ebook":                activity.KindBook,
	"application/vnd.amazon.ebook":                  activity.KindBook,
	"application/pdf":                               activity.KindDoc,
	"application/msword":                            activity.KindDoc,
	"application/vnd.ms-excel":                      activity.KindDoc,
	"application/vnd.ms-powerpoint":                 activity.KindDoc,
	"application/rtf":                               activity.KindDoc,
	"text/rtf":                                      activity.KindDoc,
	"application/zip":                               activity.KindArchive,
	"application/x-tar":                             activity.KindArchive,
	"application/gzip":                              activity.KindArchive,
	"application/x-bzip2":                           activity.KindArchive,
	"application/x-xz":                              activity.KindArchive,
	"application/x-7z-compressed":                   activity.KindArchive,
	"application/x-rar-compressed":                  activity.KindArchive,
	"application/zstd":                              activity.KindArchive,
	"application/x-lzip":                            activity.KindArchive,
	"application/x-cpio":                            activity.KindArchive,
	"application/vnd.ms-cab-compressed":             activity.KindArchive,
	"application/x-executable":                      activity.KindApp,
	"application/x-elf":                             activity.KindApp,
	"application/x-sharedlib":                       activity.KindApp,
	"application/x-object":                          activity.KindApp,
	"application/x-mach-binary":                     activity.KindApp,
	"application/vnd.microsoft.portable-executable": activity.KindApp,
	"application/wasm":                              activity.KindApp,
	"application/x-java-applet":                     activity.KindApp,
	"application/vnd.android.dex":                   activity.KindApp,
	"application/vnd.ms-fontobject":                 activity.KindFont,
	"application/font-woff":                         activity.KindFont,
	"application/x-font-ttf":                        activity.KindFont,
	"application/json":                              activity.KindText,
}

// prefixes map MIME families to kinds when no exact entry matched.
var prefixes = []struct {
	prefix string
	kind   activity.Kind
}{
	{"application/vnd.openxmlformats-officedocument.", activity.KindDoc},
	{"application/vnd.oasis.opendocument.", activity.KindDoc},
	{"video/", activity.KindVideo},
	{"audio/", activity.KindAudio},
	{"image/", activity.KindImage},
	{"font/", activity.KindFont},
	{"text/", activity.KindText},
}

// Detect reads the head of the file at path and classifies it.
func Detect(path string) (Result, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("sniff %s: %w", path, err)
	}
	return Result{Kind: Classify(mtype), MIME: baseType(mtype.String())}, nil
}

// Classify maps a detected MIME type, or the nearest of its parents, to a
// kind. Types outside every family classify as KindUnknown.
func Classify(mtype *mimetype.MIME) activity.Kind {
	for m := mtype; m != nil; m = m.Parent() {
		if k := classifyName(baseType(m.String())); k != activity.KindUnknown {
			return k
		}
	}
	return activity.KindUnknown
}

func classifyName(name string) activity.Kind {
	if k, ok := exact[name]; ok {
		return k
	}
	for _, p := range prefixes {
		if strings.HasPrefix(name, p.prefix) {
			return p.kind
		}
	}
	return activity.KindUnknown
}

// baseType drops MIME parameters such as "; charset=utf-8".
func baseType(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.TrimSpace(strings.ToLower(mime))
}
