// Package compkit provides a dynamic, in-process service-oriented runtime
// for Go. Bundles publish and withdraw services (objects tagged with
// specification strings and key/value properties) in a shared registry,
// and components declare requirements on such services and are driven
// through a managed life cycle as matching services come and go.
//
// The runtime is built from a few cooperating pieces:
//
//   - the service registry (package registry): filtered, ranked lookup of
//     live services and ordered event notification to listeners
//   - the filter engine (package filter): the boolean property query
//     language used by lookups and listeners
//   - this package: component descriptors, dependency handlers, the
//     per-instance life-cycle state machine, the factory registry, and the
//     Framework value that ties everything together
//
// Basic usage:
//
//	fw := compkit.New(compkit.WithLogger(logger))
//	defer fw.Stop()
//
//	bundle := fw.NewBundle()
//	_, err := fw.RegisterFactory(bundle, compkit.Descriptor{
//		Name: "app.worker",
//		Requirements: []compkit.Requirement{
//			{Field: "db", Specification: "db.pool"},
//		},
//		Callbacks: compkit.Callbacks{
//			Validate: func(inst *compkit.Instance) error { return nil },
//		},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	inst, err := fw.Instantiate("app.worker", "worker-1", nil)
//
// The instance rests in the Invalid state until a service registered under
// "db.pool" appears, transitions to Valid once its requirements are
// satisfied, and is invalidated and revalidated automatically as its
// dependencies come and go. Components read their bound dependencies
// through the instance's binding table (Instance.Service and friends)
// rather than through injected struct fields.
package compkit
