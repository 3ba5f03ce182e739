package compkit

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cucumber/godog"

	"github.com/GoCodeAlone/compkit/registry"
)

// Static error variables for BDD assertions.
var (
	errNoFramework        = errors.New("no framework in scenario context")
	errUnknownService     = errors.New("no service with that name in scenario context")
	errServicePresent     = errors.New("service specification unexpectedly present in the registry")
	errServiceAbsent      = errors.New("service specification not present in the registry")
	errWrongState         = errors.New("instance is not in the expected state")
	errWrongBinding       = errors.New("instance is not bound to the expected service")
	errInstanceNotTracked = errors.New("instance was not created in this scenario")
)

// lifecycleBDDContext holds the state shared between scenario steps.
type lifecycleBDDContext struct {
	fw        *Framework
	instances map[string]*Instance
	services  map[string]*registry.Registration
	failNext  bool
}

func (c *lifecycleBDDContext) reset() {
	if c.fw != nil {
		c.fw.Stop()
	}
	c.fw = nil
	c.instances = make(map[string]*Instance)
	c.services = make(map[string]*registry.Registration)
	c.failNext = false
}

func (c *lifecycleBDDContext) aRunningFramework() error {
	c.fw = New()
	return nil
}

func (c *lifecycleBDDContext) aWorkerFactory(factory, spec, provided string) error {
	if c.fw == nil {
		return errNoFramework
	}
	_, err := c.fw.RegisterFactory(c.fw.NewBundle(), Descriptor{
		Name: factory,
		Requirements: []Requirement{
			{Field: "db", Specification: spec, Policy: PolicyDynamic},
		},
		Provides: []Provided{{Specifications: []string{provided}}},
		Callbacks: Callbacks{
			Validate: func(*Instance) error {
				if c.failNext {
					c.failNext = false
					return errors.New("validation rigged to fail")
				}
				return nil
			},
		},
	})
	return err
}

func (c *lifecycleBDDContext) iInstantiate(name, factory string) error {
	inst, err := c.fw.Instantiate(factory, name, nil)
	if err != nil {
		return err
	}
	c.instances[name] = inst
	return nil
}

func (c *lifecycleBDDContext) anInstanceOf(name, factory string) error {
	return c.iInstantiate(name, factory)
}

func (c *lifecycleBDDContext) iRegisterService(spec, name string) error {
	reg, err := c.fw.Registry().Register(1, []string{spec}, name, registry.Properties{"deployment": name})
	if err != nil {
		return err
	}
	c.services[name] = reg
	return nil
}

func (c *lifecycleBDDContext) iUnregisterService(name string) error {
	reg, ok := c.services[name]
	if !ok {
		return fmt.Errorf("%w: %q", errUnknownService, name)
	}
	return reg.Unregister()
}

func (c *lifecycleBDDContext) nextValidationFails(string) error {
	c.failNext = true
	return nil
}

func (c *lifecycleBDDContext) iRetryInstance(name string) error {
	inst, ok := c.instances[name]
	if !ok {
		return fmt.Errorf("%w: %q", errInstanceNotTracked, name)
	}
	return inst.Retry(nil)
}

func (c *lifecycleBDDContext) iKillInstance(name string) error {
	return c.fw.Kill(name)
}

func (c *lifecycleBDDContext) instanceShouldBeInState(name, state string) error {
	inst, ok := c.instances[name]
	if !ok {
		return fmt.Errorf("%w: %q", errInstanceNotTracked, name)
	}
	if got := inst.State().String(); got != state {
		return fmt.Errorf("%w: %q is %s, expected %s", errWrongState, name, got, state)
	}
	return nil
}

func (c *lifecycleBDDContext) serviceShouldBeRegistered(spec string) error {
	if len(c.fw.Registry().Find(spec, nil)) == 0 {
		return fmt.Errorf("%w: %q", errServiceAbsent, spec)
	}
	return nil
}

func (c *lifecycleBDDContext) noServiceShouldBeRegistered(spec string) error {
	if refs := c.fw.Registry().Find(spec, nil); len(refs) > 0 {
		return fmt.Errorf("%w: %q (%d found)", errServicePresent, spec, len(refs))
	}
	return nil
}

func (c *lifecycleBDDContext) instanceShouldBeBoundTo(name, service string) error {
	inst, ok := c.instances[name]
	if !ok {
		return fmt.Errorf("%w: %q", errInstanceNotTracked, name)
	}
	svc, err := inst.Service("db")
	if err != nil {
		return err
	}
	if svc != service {
		return fmt.Errorf("%w: %q bound to %v, expected %q", errWrongBinding, name, svc, service)
	}
	return nil
}

// InitializeComponentLifecycleScenario registers the step definitions.
func InitializeComponentLifecycleScenario(ctx *godog.ScenarioContext) {
	testCtx := &lifecycleBDDContext{}

	ctx.Before(func(hookCtx context.Context, _ *godog.Scenario) (context.Context, error) {
		testCtx.reset()
		return hookCtx, nil
	})
	ctx.After(func(hookCtx context.Context, _ *godog.Scenario, _ error) (context.Context, error) {
		if testCtx.fw != nil {
			testCtx.fw.Stop()
			testCtx.fw = nil
		}
		return hookCtx, nil
	})

	ctx.Step(`^a running framework$`, testCtx.aRunningFramework)
	ctx.Step(`^a factory "([^"]*)" requiring a "([^"]*)" service and providing "([^"]*)"$`, testCtx.aWorkerFactory)
	ctx.Step(`^I instantiate "([^"]*)" from factory "([^"]*)"$`, testCtx.iInstantiate)
	ctx.Step(`^an instance "([^"]*)" of factory "([^"]*)"$`, testCtx.anInstanceOf)
	ctx.Step(`^I register a "([^"]*)" service named "([^"]*)"$`, testCtx.iRegisterService)
	ctx.Step(`^a registered "([^"]*)" service named "([^"]*)"$`, testCtx.iRegisterService)
	ctx.Step(`^I unregister the service "([^"]*)"$`, testCtx.iUnregisterService)
	ctx.Step(`^the next validation of factory "([^"]*)" fails$`, testCtx.nextValidationFails)
	ctx.Step(`^I retry instance "([^"]*)"$`, testCtx.iRetryInstance)
	ctx.Step(`^I kill instance "([^"]*)"$`, testCtx.iKillInstance)
	ctx.Step(`^instance "([^"]*)" should be in state "([^"]*)"$`, testCtx.instanceShouldBeInState)
	ctx.Step(`^a "([^"]*)" service should be registered$`, testCtx.serviceShouldBeRegistered)
	ctx.Step(`^no "([^"]*)" service should be registered$`, testCtx.noServiceShouldBeRegistered)
	ctx.Step(`^instance "([^"]*)" should be bound to service "([^"]*)"$`, testCtx.instanceShouldBeBoundTo)
}

// TestComponentLifecycle runs the BDD tests for the component life cycle.
func TestComponentLifecycle(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeComponentLifecycleScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/component_lifecycle.feature"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
