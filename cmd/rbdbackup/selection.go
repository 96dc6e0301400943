package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/rbdbackup/internal/engine"
)

// selection holds the volume selection flags shared by the batch commands.
// Each --all-* flag widens every narrower level below it.
type selection struct {
	namespace string
	workload  string
	volume    string
	snapshot  string

	allNamespaces bool
	allWorkloads  bool
	allVolumes    bool
	allSnapshots  bool

	// levels registered on the command
	withVolume   bool
	withSnapshot bool
}

// register adds -n/-w and the --all-* flags; volume and snapshot levels
// are added when requested.
func (s *selection) register(cmd *cobra.Command, withVolume, withSnapshot bool) {
	s.withVolume = withVolume
	s.withSnapshot = withSnapshot

	f := cmd.Flags()
	f.StringVarP(&s.namespace, "namespace", "n", "", "namespace of the volumes")
	f.StringVarP(&s.workload, "workload", "w", "", "workload of the volumes")
	f.BoolVar(&s.allNamespaces, "all-namespaces", false, "select every namespace")
	f.BoolVar(&s.allWorkloads, "all-workloads", false, "select every workload of the namespace")
	if withVolume {
		f.StringVarP(&s.volume, "volume", "v", "", "volume claim or image name")
		f.BoolVar(&s.allVolumes, "all-volumes", false, "select every volume of the workload")
	}
	if withSnapshot {
		f.StringVarP(&s.snapshot, "snapshot", "s", "", "snapshot name")
		f.BoolVar(&s.allSnapshots, "all-snapshots", false, "select every snapshot of the volume")
	}
}

// validate enforces that every registered level is either named or
// covered by an --all-* flag at that level or above.
func (s *selection) validate() error {
	var errs []error
	if s.namespace == "" && !s.allNamespaces {
		errs = append(errs, errors.New("--namespace or --all-namespaces is required"))
	}
	if s.workload == "" && !s.allWorkloads && !s.allNamespaces {
		errs = append(errs, errors.New("--workload or --all-workloads is required"))
	}
	wideVolume := s.allVolumes || s.allWorkloads || s.allNamespaces
	if s.withVolume && s.volume == "" && !wideVolume {
		errs = append(errs, errors.New("--volume or --all-volumes is required"))
	}
	if s.withSnapshot && s.snapshot == "" && !s.allSnapshots && !wideVolume {
		errs = append(errs, errors.New("--snapshot or --all-snapshots is required"))
	}
	return errors.Join(errs...)
}

// selector converts the flags into an engine selector. An --all-* flag
// clears the names at its level and below.
func (s *selection) selector() engine.Selector {
	sel := engine.Selector{Namespace: s.namespace, Workload: s.workload, Volume: s.volume}
	if s.allNamespaces {
		sel = engine.Selector{}
	}
	if s.allWorkloads {
		sel.Workload, sel.Volume = "", ""
	}
	if s.allVolumes {
		sel.Volume = ""
	}
	return sel
}

// snapshots returns the snapshot names to act on; nil means every snapshot.
func (s *selection) snapshots() []string {
	if s.snapshot == "" || s.allSnapshots || s.allVolumes || s.allWorkloads || s.allNamespaces {
		return nil
	}
	return []string{s.snapshot}
}

// volumes validates the flags and returns the selected volumes.
func (s *selection) volumes() ([]*engine.Volume, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	if globalManager == nil {
		return nil, fmt.Errorf("manager not initialized")
	}
	vols := globalManager.Select(s.selector())
	if len(vols) == 0 {
		return nil, fmt.Errorf("%w: %s", engine.ErrVolumeNotFound, s.describe())
	}
	return vols, nil
}

func (s *selection) describe() string {
	part := func(name string, all bool) string {
		if all || name == "" {
			return "*"
		}
		return name
	}
	ns := part(s.namespace, s.allNamespaces)
	wl := part(s.workload, s.allWorkloads || s.allNamespaces)
	vol := part(s.volume, s.allVolumes || s.allWorkloads || s.allNamespaces)
	return ns + "/" + wl + "/" + vol
}
