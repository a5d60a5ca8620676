// Package executor runs user programs in execution sessions.
//
// A [Session] owns exactly one freshly spawned worker. The host starts it
// with one program, receives Output, Error and Done events through the
// callback given to [Executor.NewSession], and may cancel it. Sessions are
// never reused: a new run needs a new session, and therefore a new worker.
//
//	exec, _ := executor.New(factory)
//	defer exec.Close()
//
//	s, err := exec.NewSession(func(e protocol.Event) {
//	    fmt.Print(e.Text)
//	})
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//	s.Start(`print("hi")`)
//	<-s.Done()
package executor
