package deploy

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/GoCodeAlone/compkit"
	"github.com/GoCodeAlone/compkit/registry"
)

// Deployer reconciles a Framework against declaration files. Each file is
// tracked as a unit: applying a changed file creates the instances it
// gained, reconfigures the ones whose properties changed, and kills the
// ones it lost; removing the file kills everything it declared.
type Deployer struct {
	fw     *compkit.Framework
	logger compkit.Logger

	mu sync.Mutex
	// deployed tracks, per file path, the declarations currently realized
	// in the framework, keyed by instance name.
	deployed map[string]map[string]InstanceDecl
}

// NewDeployer creates a Deployer for the framework.
func NewDeployer(fw *compkit.Framework, logger compkit.Logger) *Deployer {
	if logger == nil {
		logger = compkit.NopLogger{}
	}
	return &Deployer{
		fw:       fw,
		logger:   logger,
		deployed: make(map[string]map[string]InstanceDecl),
	}
}

// ApplyFile loads the declaration file and applies it.
func (d *Deployer) ApplyFile(path string) error {
	decl, err := Load(path)
	if err != nil {
		return err
	}
	return d.Apply(path, decl)
}

// Apply reconciles the framework with a declaration, attributed to the
// given file path. Failures on individual instances are logged and do not
// stop the rest of the declaration from applying; the first error is
// returned.
func (d *Deployer) Apply(path string, decl *Declaration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.deployed[path]
	next := make(map[string]InstanceDecl, len(decl.Instances))
	var firstErr error

	for _, inst := range decl.Instances {
		next[inst.Name] = inst
		prev, existed := current[inst.Name]
		switch {
		case !existed:
			if err := d.create(inst); err != nil {
				d.logger.Error("failed to deploy instance", "file", path, "instance", inst.Name, "error", err)
				if firstErr == nil {
					firstErr = err
				}
				delete(next, inst.Name)
			}
		case prev.Factory != inst.Factory:
			// A factory change cannot be applied in place.
			if err := d.recreate(inst); err != nil {
				d.logger.Error("failed to redeploy instance", "file", path, "instance", inst.Name, "error", err)
				if firstErr == nil {
					firstErr = err
				}
				delete(next, inst.Name)
			}
		case !reflect.DeepEqual(prev.Properties, inst.Properties):
			if err := d.reconfigure(inst); err != nil {
				d.logger.Error("failed to reconfigure instance", "file", path, "instance", inst.Name, "error", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}

	// Kill what the file no longer declares.
	removed := make([]string, 0)
	for name := range current {
		if _, kept := next[name]; !kept {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	for _, name := range removed {
		if err := d.fw.Kill(name); err != nil {
			d.logger.Error("failed to undeploy instance", "file", path, "instance", name, "error", err)
		}
	}

	d.deployed[path] = next
	return firstErr
}

// RemoveFile kills every instance the file declared and forgets the
// file.
func (d *Deployer) RemoveFile(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(d.deployed[path]))
	for name := range d.deployed[path] {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := d.fw.Kill(name); err != nil {
			d.logger.Error("failed to undeploy instance", "file", path, "instance", name, "error", err)
		}
	}
	delete(d.deployed, path)
}

// Deployed returns the instance names currently attributed to the file,
// sorted.
func (d *Deployer) Deployed(path string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.deployed[path]))
	for name := range d.deployed[path] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Deployer) create(inst InstanceDecl) error {
	_, err := d.fw.Instantiate(inst.Factory, inst.Name, registry.Properties(inst.Properties))
	if err != nil {
		return err
	}
	d.logger.Info("instance deployed", "instance", inst.Name, "factory", inst.Factory)
	return nil
}

func (d *Deployer) recreate(inst InstanceDecl) error {
	if err := d.fw.Kill(inst.Name); err != nil {
		return fmt.Errorf("replace %q: %w", inst.Name, err)
	}
	return d.create(inst)
}

func (d *Deployer) reconfigure(inst InstanceDecl) error {
	live, err := d.fw.Instance(inst.Name)
	if err != nil {
		return err
	}
	if err := live.Reconfigure(registry.Properties(inst.Properties)); err != nil {
		return err
	}
	d.logger.Info("instance reconfigured", "instance", inst.Name)
	return nil
}
