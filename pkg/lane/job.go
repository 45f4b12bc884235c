package lane

import (
	"fmt"
	"time"

	"github.com/srvrs/srvrs/pkg/activity"
	"github.com/srvrs/srvrs/pkg/runner"
)

// job is one upload being handled. It lives only as long as that handling.
type job struct {
	ID      string
	Source  string
	Name    string
	Stem    string
	Owner   string
	Kind    activity.Kind
	Devices []int
	Started time.Time

	WorkDir   string
	WorkFile  string
	Staged    bool
	Delivered string
}

func (j *job) startDetail() string {
	if len(j.Devices) == 0 {
		return j.Name
	}
	return fmt.Sprintf("%s on GPU %s", j.Name, runner.FormatDevices(j.Devices))
}
