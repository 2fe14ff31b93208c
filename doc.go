// Package hyperspace maintains client sessions against a Chubby-style lock
// service. A Session sends keepalives on a recurring timer, tracks the lease
// deadlines the master hands out, and walks the session through jeopardy,
// grace-period recovery, master failover, and expiry. Server-pushed
// notifications ride back on keepalive acknowledgments and are delivered
// exactly once to the handle callbacks the application registers.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Session lifecycle
//
// A session is safe while connected: every acknowledgment pushes the
// jeopardy deadline a full lease interval past the master's ack timestamp.
// When acknowledgments stop, the jeopardy deadline passes and the session
// enters jeopardy; the application should suspend work that relies on held
// locks. If contact resumes within the grace period the session is safe
// again, otherwise it expires and every registered handle is invalidated.
//
//	cfg := hyperspace.Config{
//	    MasterAddresses:   []string{"master-a.example.com:38040", "master-b.example.com:38040"},
//	    LeaseInterval:     20 * time.Second,
//	    KeepaliveInterval: 5 * time.Second,
//	    GracePeriod:       10 * time.Second,
//	}
//	sess, err := hyperspace.New(cfg, conn,
//	    hyperspace.WithLogger(logger),
//	    hyperspace.WithObserver(hyperspace.ObserverFuncs{
//	        OnJeopardy: func() { pauseLockHolders() },
//	        OnSafe:     func() { resumeLockHolders() },
//	        OnExpired:  func() { abortEverything() },
//	    }),
//	)
//	if err != nil { log.Fatal(err) }
//	if err := sess.Start(0); err != nil { log.Fatal(err) }
//	defer sess.Stop()
//	if err := sess.WaitReady(ctx); err != nil { log.Fatal(err) }
//
// Start(0) establishes a fresh session: the session begins in jeopardy and
// adopts the id the master assigns with the first acknowledgment. Passing a
// non-zero id resumes a session obtained through external bootstrap and
// begins connected. After Stop or expiry, Start may be called again and
// resets all session state.
//
// # Transports
//
// The session does not speak any particular wire protocol. It drives a
// ConnectionHandler (SendKeepalive, Reconnect) and the transport feeds
// responses and connection errors back through Session.Dispatch from its
// own goroutines. Both directions are fire-and-forget; the session never
// blocks on the network and a broken link surfaces as a connection error
// event, not a send failure. TestMaster in this package is a complete
// in-process implementation of the contract.
//
// # Handles and events
//
// Applications register a callback per open handle. Events carried on
// acknowledgments are applied in order, deduplicated by their strictly
// increasing ids, and routed by handle id:
//
//	err := sess.RegisterHandle(handleID, hyperspace.HandleFuncs{
//	    OnEventFunc: func(ev api.ServerEvent) {
//	        log.Printf("node changed: %s", ev.Type)
//	    },
//	    InvalidatedFunc: func() {
//	        reopenAfterNewSession()
//	    },
//	})
//
// Invalidated fires once per handle when the session expires; the registry
// is cleared so a later session starts clean.
//
// # Master failover
//
// After a connection error the session rotates round-robin through the
// configured master addresses, dialing one candidate per reconnect tick
// until an acknowledgment proves the new link or the expire deadline
// passes. The candidate list can be replaced at runtime with
// SetMasterAddresses, or kept in a YAML file and watched:
//
//	watcher, err := hyperspace.WatchMasterFile("/etc/hyperspace/masters.yaml", sess, logger)
//	if err != nil { log.Fatal(err) }
//	defer watcher.Close()
//
// # Testing
//
// TestMaster simulates a master quorum in-process, answering keepalives and
// honoring a FaultPlan for outage scenarios:
//
//	master := hyperspace.StartTestMaster(t, []string{"master-0.test:38040", "master-1.test:38040"},
//	    hyperspace.WithMasterLoggerTB(t),
//	    hyperspace.WithMasterFaults(&hyperspace.FaultPlan{FailFirstDials: 2}),
//	)
//	sess, err := hyperspace.New(cfg, master, hyperspace.WithLogger(hyperspace.NewTestingLogger(t, pslog.DebugLevel)))
//	if err != nil { t.Fatal(err) }
//	master.Attach(sess)
//
// Consult README.md for the deadline arithmetic, operational guidance, and
// the simulator CLI.
package hyperspace
