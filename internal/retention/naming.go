package retention

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultLayout formats snapshot names as YYYYMMDD-HHmm.
const DefaultLayout = "20060102-1504"

// DefaultArchiveExt is the extension of gzip archives, the default codec.
const DefaultArchiveExt = ".gz"

// ArchiveExts lists the archive extensions recognized during discovery.
var ArchiveExts = []string{".gz", ".zst", ".xz"}

// Naming converts between snapshot timestamps, snapshot names and archive
// file names. Layouts must be purely numeric apart from separators so that
// lexical name order equals chronological order.
type Naming struct {
	Layout   string
	Location *time.Location
	// Ext is the extension given to new archive files.
	Ext string

	name    *regexp.Regexp
	archive *regexp.Regexp
}

// NewNaming compiles the name patterns for a numeric time layout.
func NewNaming(layout string, loc *time.Location) (*Naming, error) {
	if layout == "" {
		layout = DefaultLayout
	}
	if loc == nil {
		loc = time.Local
	}
	var b strings.Builder
	for _, r := range layout {
		switch {
		case r >= '0' && r <= '9':
			b.WriteString(`\d`)
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
			return nil, fmt.Errorf("name layout %q must be numeric", layout)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	pat := b.String()
	exts := make([]string, len(ArchiveExts))
	for i, e := range ArchiveExts {
		exts[i] = regexp.QuoteMeta(e)
	}
	return &Naming{
		Layout:   layout,
		Location: loc,
		Ext:      DefaultArchiveExt,
		name:     regexp.MustCompile(`^` + pat + `$`),
		archive:  regexp.MustCompile(`^(` + pat + `)-(ful|dif|inc)(?:-(` + pat + `))?(` + strings.Join(exts, "|") + `)$`),
	}, nil
}

// SetExt selects the extension of new archive files.
func (n *Naming) SetExt(ext string) error {
	for _, e := range ArchiveExts {
		if e == ext {
			n.Ext = ext
			return nil
		}
	}
	return fmt.Errorf("unsupported archive extension %q", ext)
}

// Format returns the snapshot name for t.
func (n *Naming) Format(t time.Time) string {
	return t.In(n.Location).Format(n.Layout)
}

// Parse returns the timestamp encoded in a snapshot name.
func (n *Naming) Parse(name string) (time.Time, error) {
	if !n.name.MatchString(name) {
		return time.Time{}, fmt.Errorf("snapshot name %q does not match layout %q", name, n.Layout)
	}
	t, err := time.ParseInLocation(n.Layout, name, n.Location)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing snapshot name %q: %w", name, err)
	}
	return t, nil
}

// IsSnapshotName reports whether name was produced by this naming.
func (n *Naming) IsSnapshotName(name string) bool {
	return n.name.MatchString(name)
}

// ArchiveName is a parsed archive file name.
type ArchiveName struct {
	Snapshot string
	Tier     Tier
	Base     string
	Ext      string
}

// ParseArchive parses <name>-<code>[-<base>]<ext>. Files without a tier code
// are rejected.
func (n *Naming) ParseArchive(file string) (ArchiveName, error) {
	m := n.archive.FindStringSubmatch(file)
	if m == nil {
		return ArchiveName{}, fmt.Errorf("archive file %q does not match <name>-<ful|dif|inc>[-<base>]<ext>", file)
	}
	tier, err := TierFromCode(m[2])
	if err != nil {
		return ArchiveName{}, err
	}
	return ArchiveName{Snapshot: m[1], Tier: tier, Base: m[3], Ext: m[4]}, nil
}

// ArchiveFileName builds the archive file name of a snapshot.
func ArchiveFileName(name string, tier Tier, base, ext string) string {
	if base != "" {
		return fmt.Sprintf("%s-%s-%s%s", name, tier.Code(), base, ext)
	}
	return fmt.Sprintf("%s-%s%s", name, tier.Code(), ext)
}
