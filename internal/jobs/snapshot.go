package jobs

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nemosyne/nemosyne/pkg/types"
)

// snapshotJob is job's YAML-serializable shadow; job itself stays
// unexported and free of struct tags since it's never otherwise encoded.
type snapshotJob struct {
	Kind    kind            `yaml:"kind"`
	CID     string          `yaml:"cid"`
	Fence   int             `yaml:"fence"`
	Force   bool            `yaml:"force"`
	Review  types.ReviewJob `yaml:"review"`
	Attempt int             `yaml:"attempt"`
}

// saveSnapshot dumps jobs still sitting in the queue at a missed shutdown
// deadline to a YAML file, so the next process start can recover them
// instead of silently losing in-flight segmentation/review/consolidation
// work.
func saveSnapshot(path string, jobs []*job) error {
	out := make([]snapshotJob, len(jobs))
	for i, j := range jobs {
		out[i] = snapshotJob{Kind: j.kind, CID: j.cid, Fence: j.fence, Force: j.force, Review: j.review, Attempt: j.attempt}
	}
	data, err := yaml.Marshal(out)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// loadSnapshot reads back a snapshot written by saveSnapshot, then removes
// the file so a later crash doesn't replay the same jobs twice alongside a
// fresh snapshot. A missing file is not an error.
func loadSnapshot(path string) ([]*job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var snapshot []snapshotJob
	if err := yaml.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	os.Remove(path)

	out := make([]*job, len(snapshot))
	for i, s := range snapshot {
		out[i] = &job{kind: s.Kind, cid: s.CID, fence: s.Fence, force: s.Force, review: s.Review, attempt: s.Attempt}
	}
	return out, nil
}
