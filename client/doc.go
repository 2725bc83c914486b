// Package client is the protocol engine of a backup server control client.
// One Client owns one connection, allocates command ids, writes command lines
// and runs a reader goroutine that routes every result line to its Command and
// every server request to a strictly ordered callback dispatcher.
//
// Key features include:
//
//   - Transport negotiation with TLS fallbacks (see package transport)
//   - Password obfuscation bound to the session (see package session)
//   - Any number of concurrently outstanding commands
//   - Buffered or streamed results per command
//   - Deadlines, aborts and cooperative polling waits
//   - Interactive server requests answered through a Prompter
//   - A qmp.Monitor view for JSON driven tooling
//
// Example usage:
//
//	c := client.New(client.Options{Host: "localhost", Port: 38523, Password: "secret"})
//	if err := c.ConnectContext(ctx); err != nil {
//		return err
//	}
//	defer c.Close()
//	results, err := c.Execute(ctx, "JOB_LIST")
//
// For the command line tool, see cmd/barcontrol.
package client
