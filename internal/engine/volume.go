package engine

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"github.com/BadgerOps/rbdbackup/internal/archive"
	"github.com/BadgerOps/rbdbackup/internal/config"
	"github.com/BadgerOps/rbdbackup/internal/rbd"
	"github.com/BadgerOps/rbdbackup/internal/retention"
)

// Volume is one backed-up RBD image with its archive directory and history.
// Namespace and workload only serve selection and reporting.
type Volume struct {
	Namespace string
	Workload  string
	Name      string
	Image     rbd.Image
	Dir       *archive.Dir

	// History is nil until the volume is loaded.
	History *retention.History
}

// ID returns namespace/workload/name.
func (v *Volume) ID() string {
	return v.Namespace + "/" + v.Workload + "/" + v.Name
}

// Describe returns the ID followed by the image spec.
func (v *Volume) Describe() string {
	return fmt.Sprintf("%s (%s)", v.ID(), v.Image)
}

// Matches reports whether name is the volume name or its image name.
func (v *Volume) Matches(name string) bool {
	return name == v.Name || name == v.Image.Name
}

// VolumesFromConfig builds the declared volumes.
func VolumesFromConfig(cfg *config.Config, logger *slog.Logger) ([]*Volume, error) {
	vols := make([]*Volume, 0, len(cfg.Volumes))
	for _, vc := range cfg.Volumes {
		dir, err := cfg.VolumeDir(vc)
		if err != nil {
			return nil, fmt.Errorf("volume %s: %w", vc.ID(), err)
		}
		vols = append(vols, &Volume{
			Namespace: vc.Namespace,
			Workload:  vc.Workload,
			Name:      vc.Name,
			Image:     rbd.Image{Pool: vc.Pool, Name: vc.Image},
			Dir:       archive.NewDir(dir, logger),
		})
	}
	return vols, nil
}

// Selector filters volumes. Empty fields match everything.
type Selector struct {
	Namespace string
	Workload  string
	Volume    string
}

// Match reports whether v is selected.
func (s Selector) Match(v *Volume) bool {
	return (s.Namespace == "" || s.Namespace == v.Namespace) &&
		(s.Workload == "" || s.Workload == v.Workload) &&
		(s.Volume == "" || v.Matches(s.Volume))
}

// SortVolumes orders volumes by namespace, workload and name.
func SortVolumes(vols []*Volume) {
	sort.Slice(vols, func(i, j int) bool {
		return vols[i].ID() < vols[j].ID()
	})
}

// SearchHit is a volume matched by Search with the fields that matched.
type SearchHit struct {
	Volume *Volume
	Fields []string
}

// Search returns the volumes whose namespace, workload, name or image
// matches the regular expression.
func Search(vols []*Volume, query string) ([]SearchHit, error) {
	if query == "" {
		query = ".*"
	}
	re, err := regexp.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("invalid search query: %w", err)
	}
	var hits []SearchHit
	for _, v := range vols {
		var fields []string
		for _, f := range []struct{ name, value string }{
			{"namespace", v.Namespace},
			{"workload", v.Workload},
			{"volume", v.Name},
			{"image", v.Image.Spec()},
		} {
			if re.MatchString(f.value) {
				fields = append(fields, f.name)
			}
		}
		if len(fields) > 0 {
			hits = append(hits, SearchHit{Volume: v, Fields: fields})
		}
	}
	return hits, nil
}
