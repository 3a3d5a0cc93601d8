// Package automation provides the job framework that runs a unit's
// control loops.
//
// A Job is one of a closed set of variants (stirring, temperature, dosing,
// growth-rate estimation) built from configuration by NewJob. A Runner owns
// the job's lifecycle and talks to the rest of the system only through the
// bus handle it was constructed with.
//
// Architecture:
//
//	┌──────────────────────────────────────────────────────────┐
//	│                 Registry (registry.go)                    │
//	│       one active runner per job name on this unit         │
//	│  ┌────────────────────────────────────────────────────┐  │
//	│  │               Runner (runner.go)                    │  │
//	│  │  loop goroutine: ticks, heartbeats, commands,       │  │
//	│  │  bus status; safe stop before leaving Ready         │  │
//	│  │        │                      ▲                     │  │
//	│  │        ▼                      │ command queue       │  │
//	│  │  ┌──────────────┐    ┌─────────────────┐            │  │
//	│  │  │ Job variant  │    │ setting / $state │            │  │
//	│  │  │ Init / Tick  │    │ handlers (Env)   │            │  │
//	│  │  └──────────────┘    └─────────────────┘            │  │
//	│  └────────────────────────────────────────────────────┘  │
//	└──────────────────────────────────────────────────────────┘
//
// Lifecycle:
//
//	Initializing → Ready ⇄ Sleeping
//	Ready|Sleeping → Disconnected → Ready   (bus loss, missed ticks)
//	Ready|Sleeping|Disconnected → Lost → Ready   (heartbeat grace period)
//	any → Terminated
//
// Topics used by a job named {job} (see bus.Topics):
//
//	{exp}/{unit}/{job}/$state              retained lifecycle state
//	{exp}/{unit}/{job}/$state/set          sleeping | ready | disconnected
//	{exp}/{unit}/{job}/{setting}           retained current value
//	{exp}/{unit}/{job}/{setting}/set       change request
//	{exp}/$broadcast/{job}/{setting}/set   cluster-wide change request
//	{exp}/{unit}/{job}/output              ControlOutput (retained)
//	{exp}/{unit}/{job}/heartbeat           JobRecord (retained)
//	{exp}/{unit}/{job}/events              rejected and missed events
//
// Thread Safety:
//   - Runner, Registry and Settings are safe for concurrent use.
//   - Job methods are called from the runner goroutine only; bus handlers a
//     job registers run on their own goroutines and must lock job state.
package automation
