package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/compkit"
)

func TestParse(t *testing.T) {
	t.Run("yaml", func(t *testing.T) {
		decl, err := Parse("app.yaml", []byte(`
instances:
  - name: worker-1
    factory: app.worker
    properties:
      threads: 8
  - name: worker-2
    factory: app.worker
`))
		require.NoError(t, err)
		require.Len(t, decl.Instances, 2)
		assert.Equal(t, "worker-1", decl.Instances[0].Name)
		assert.Equal(t, "app.worker", decl.Instances[0].Factory)
		assert.Equal(t, 8, decl.Instances[0].Properties["threads"])
		assert.Nil(t, decl.Instances[1].Properties)
	})

	t.Run("toml", func(t *testing.T) {
		decl, err := Parse("app.toml", []byte(`
[[instances]]
name = "worker-1"
factory = "app.worker"

[instances.properties]
zone = "eu"
`))
		require.NoError(t, err)
		require.Len(t, decl.Instances, 1)
		assert.Equal(t, "eu", decl.Instances[0].Properties["zone"])
	})

	t.Run("validation", func(t *testing.T) {
		cases := []struct {
			name string
			body string
			want error
		}{
			{"missing name", "instances:\n  - factory: f\n", ErrNoName},
			{"missing factory", "instances:\n  - name: a\n", ErrNoFactory},
			{"duplicate name", "instances:\n  - {name: a, factory: f}\n  - {name: a, factory: f}\n", ErrDuplicateName},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := Parse("app.yaml", []byte(tc.body))
				assert.ErrorIs(t, err, tc.want)
			})
		}
	})

	t.Run("unsupported extension", func(t *testing.T) {
		_, err := Parse("app.ini", nil)
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Parse("app.yaml", []byte("instances: ["))
		assert.Error(t, err)
	})
}

func newWorkerFramework(t *testing.T) *compkit.Framework {
	t.Helper()
	fw := compkit.New()
	t.Cleanup(fw.Stop)
	_, err := fw.RegisterFactory(fw.NewBundle(), compkit.Descriptor{
		Name:       "app.worker",
		Properties: []compkit.Property{{Field: "threads", Default: 1}},
	})
	require.NoError(t, err)
	return fw
}

func TestDeployer_Reconcile(t *testing.T) {
	fw := newWorkerFramework(t)
	d := NewDeployer(fw, nil)

	require.NoError(t, d.Apply("app.yaml", &Declaration{Instances: []InstanceDecl{
		{Name: "a", Factory: "app.worker", Properties: map[string]any{"threads": 2}},
		{Name: "b", Factory: "app.worker"},
	}}))
	assert.Equal(t, []string{"a", "b"}, d.Deployed("app.yaml"))

	a, err := fw.Instance("a")
	require.NoError(t, err)
	assert.Equal(t, 2, a.Property("threads"))

	// b dropped, a reconfigured, c added.
	require.NoError(t, d.Apply("app.yaml", &Declaration{Instances: []InstanceDecl{
		{Name: "a", Factory: "app.worker", Properties: map[string]any{"threads": 4}},
		{Name: "c", Factory: "app.worker"},
	}}))
	assert.Equal(t, []string{"a", "c"}, d.Deployed("app.yaml"))
	assert.Equal(t, 4, a.Property("threads"))

	_, err = fw.Instance("b")
	assert.ErrorIs(t, err, compkit.ErrInstanceNotFound)
	_, err = fw.Instance("c")
	assert.NoError(t, err)
}

func TestDeployer_FactoryChangeRecreates(t *testing.T) {
	fw := newWorkerFramework(t)
	_, err := fw.RegisterFactory(fw.NewBundle(), compkit.Descriptor{Name: "app.other"})
	require.NoError(t, err)
	d := NewDeployer(fw, nil)

	require.NoError(t, d.Apply("app.yaml", &Declaration{Instances: []InstanceDecl{
		{Name: "a", Factory: "app.worker"},
	}}))
	old, err := fw.Instance("a")
	require.NoError(t, err)

	require.NoError(t, d.Apply("app.yaml", &Declaration{Instances: []InstanceDecl{
		{Name: "a", Factory: "app.other"},
	}}))
	assert.Equal(t, compkit.Killed, old.State())

	replaced, err := fw.Instance("a")
	require.NoError(t, err)
	assert.Equal(t, "app.other", replaced.FactoryName())
}

func TestDeployer_UnknownFactoryKeepsRest(t *testing.T) {
	fw := newWorkerFramework(t)
	d := NewDeployer(fw, nil)

	err := d.Apply("app.yaml", &Declaration{Instances: []InstanceDecl{
		{Name: "a", Factory: "app.missing"},
		{Name: "b", Factory: "app.worker"},
	}})
	assert.ErrorIs(t, err, compkit.ErrFactoryNotFound)

	// The healthy declaration still deployed, the broken one is not
	// tracked and retries on the next apply.
	assert.Equal(t, []string{"b"}, d.Deployed("app.yaml"))
}

func TestDeployer_RemoveFile(t *testing.T) {
	fw := newWorkerFramework(t)
	d := NewDeployer(fw, nil)

	require.NoError(t, d.Apply("app.yaml", &Declaration{Instances: []InstanceDecl{
		{Name: "a", Factory: "app.worker"},
		{Name: "b", Factory: "app.worker"},
	}}))

	d.RemoveFile("app.yaml")
	assert.Empty(t, d.Deployed("app.yaml"))
	_, err := fw.Instance("a")
	assert.ErrorIs(t, err, compkit.ErrInstanceNotFound)
	_, err = fw.Instance("b")
	assert.ErrorIs(t, err, compkit.ErrInstanceNotFound)
}

func TestWatcher_HotDeploy(t *testing.T) {
	fw := newWorkerFramework(t)
	d := NewDeployer(fw, nil)
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	w := NewWatcher(dir, d, nil)
	go func() { done <- w.Run(ctx) }()

	path := filepath.Join(dir, "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"instances:\n  - name: a\n    factory: app.worker\n"), 0o644))

	require.Eventually(t, func() bool {
		_, err := fw.Instance("a")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(
		"instances:\n  - name: a\n    factory: app.worker\n    properties:\n      threads: 9\n"), 0o644))
	require.Eventually(t, func() bool {
		inst, err := fw.Instance("a")
		return err == nil && inst.Property("threads") == 9
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		_, err := fw.Instance("a")
		return errors.Is(err, compkit.ErrInstanceNotFound)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWatcher_InitialScanAndRescan(t *testing.T) {
	fw := newWorkerFramework(t)
	d := NewDeployer(fw, nil)
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "pre.yaml"), []byte(
		"instances:\n  - name: pre\n    factory: app.worker\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("noise"), 0o644))

	w := NewWatcher(dir, d, nil)
	require.NoError(t, w.Rescan())
	_, err := fw.Instance("pre")
	require.NoError(t, err)

	// A file deleted without an observed event is reaped by the rescan.
	require.NoError(t, os.Remove(filepath.Join(dir, "pre.yaml")))
	require.NoError(t, w.Rescan())
	_, err = fw.Instance("pre")
	assert.ErrorIs(t, err, compkit.ErrInstanceNotFound)
}
