package jobgraph

import (
	"testing"

	"github.com/farmbuild/farmbuild/pkg/descriptor"
	"github.com/farmbuild/farmbuild/pkg/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopTask struct{}

func (nopTask) Build(Context) (int, error) { return 0, nil }

func releaseOnly(pkgType string) (Task, bool) {
	if pkgType == "release" {
		return nopTask{}, true
	}
	return nil, false
}

func newDecorator(name string, deps []string, platforms ...platform.Platform) *descriptor.Decorator {
	pkg := descriptor.NewPackage(name, "release")
	pkg.Metadata.TargetPlatforms = map[platform.Platform]struct{}{}
	for _, p := range platforms {
		pkg.Metadata.TargetPlatforms[p] = struct{}{}
	}
	return &descriptor.Decorator{
		Descriptor:            pkg,
		Selected:              true,
		RecursiveDependencies: deps,
	}
}

var rhel9 = platform.Platform{OS: "rhel", CodeName: "9", Arch: "x86_64"}

func TestJobID(t *testing.T) {
	tests := []struct {
		name      string
		distro    string
		buildName string
		pkg       string
		want      string
	}{
		{
			name:      "default build omits build name",
			distro:    "humble",
			buildName: "default",
			pkg:       "foo",
			want:      "Hrel__foo__rhel_9_x86_64",
		},
		{
			name:      "non-default build name included",
			distro:    "humble",
			buildName: "nightly",
			pkg:       "foo",
			want:      "Hrel_nightly__foo__rhel_9_x86_64",
		},
		{
			name:      "rolling distro",
			distro:    "rolling",
			buildName: "default",
			pkg:       "rclcpp",
			want:      "Rrel__rclcpp__rhel_9_x86_64",
		},
		{
			name:      "empty distro omits prefix letter",
			distro:    "",
			buildName: "default",
			pkg:       "foo",
			want:      "rel__foo__rhel_9_x86_64",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, JobID(tt.distro, tt.buildName, tt.pkg, rhel9))
		})
	}
}

func TestJobIDStable(t *testing.T) {
	a := JobID("humble", "default", "foo", rhel9)
	b := JobID("humble", "default", "foo", rhel9)
	assert.Equal(t, a, b)
}

func TestBuildSinglePackage(t *testing.T) {
	jobs := Build("humble", "default", []*descriptor.Decorator{
		newDecorator("foo", nil, rhel9),
	}, releaseOnly)

	require.Len(t, jobs, 1)
	job := jobs["Hrel__foo__rhel_9_x86_64"]
	require.NotNil(t, job)
	assert.Empty(t, job.Dependencies)
	assert.Equal(t, "foo", job.Context.Pkg.Name)
	assert.Equal(t, rhel9, job.Context.Platform)
}

func TestBuildExpandsPlatformMatrix(t *testing.T) {
	aarch := platform.Platform{OS: "rhel", CodeName: "9", Arch: "aarch64"}
	jobs := Build("humble", "default", []*descriptor.Decorator{
		newDecorator("foo", nil, rhel9, aarch),
	}, releaseOnly)

	require.Len(t, jobs, 2)
	assert.Contains(t, jobs, "Hrel__foo__rhel_9_x86_64")
	assert.Contains(t, jobs, "Hrel__foo__rhel_9_aarch64")
}

func TestBuildDependencyEdgesSamePlatform(t *testing.T) {
	jobs := Build("humble", "default", []*descriptor.Decorator{
		newDecorator("base", nil, rhel9),
		newDecorator("app", []string{"base"}, rhel9),
	}, releaseOnly)

	require.Len(t, jobs, 2)
	app := jobs["Hrel__app__rhel_9_x86_64"]
	require.NotNil(t, app)
	assert.Contains(t, app.Dependencies, "Hrel__base__rhel_9_x86_64")
	assert.Equal(t, []string{"base"}, app.Context.Dependencies)
}

func TestBuildSkipsUnselected(t *testing.T) {
	dec := newDecorator("foo", nil, rhel9)
	dec.Selected = false

	jobs := Build("humble", "default", []*descriptor.Decorator{dec}, releaseOnly)
	assert.Empty(t, jobs)
}

func TestBuildSkipsUnknownPackageType(t *testing.T) {
	dec := newDecorator("foo", nil, rhel9)
	dec.Descriptor.Type = "exotic"

	jobs := Build("humble", "default", []*descriptor.Decorator{
		dec,
		newDecorator("app", []string{"foo"}, rhel9),
	}, releaseOnly)

	// foo has no task implementation; app still references the absent job.
	require.Len(t, jobs, 1)
	app := jobs["Hrel__app__rhel_9_x86_64"]
	require.NotNil(t, app)
	assert.Contains(t, app.Dependencies, "Hrel__foo__rhel_9_x86_64")
	assert.NotContains(t, jobs, "Hrel__foo__rhel_9_x86_64")
}
