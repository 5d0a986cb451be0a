// Package libsock provides stream and datagram sockets with one API
// across Unix-like systems and Windows.
//
// The package wraps the platform socket calls directly instead of the
// net package's dialers and listeners, so socket-level behavior (option
// configuration, timeouts, shutdown semantics, error codes) stays
// visible to the caller. Name resolution prefers IPv6: listeners try an
// IPv6 dual-stack socket first and fall back to IPv4, and clients walk
// the resolved candidates in order until one connects.
//
// # Getting Started
//
// Acquire the process-wide initializer before the first socket and
// release it after the last one. On Windows this brackets the Winsock
// lifetime; elsewhere it is a no-op kept for symmetry:
//
//	sub, err := libsock.Startup()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sub.Close()
//
// A TCP server binds, listens and accepts:
//
//	srv, err := libsock.NewServerSocket(8080)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Close()
//
//	if err := srv.Bind(); err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Listen(0); err != nil {
//	    log.Fatal(err)
//	}
//
//	conn, err := srv.Accept()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	text, err := conn.ReadString()
//
// A TCP client resolves at construction and connects on demand:
//
//	sock, err := libsock.NewSocket("example.com", 8080)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sock.Close()
//
//	if err := sock.Connect(); err != nil {
//	    log.Fatal(err)
//	}
//	_, err = sock.WriteString("Hello server!")
//
// # Core Types
//
// The package defines one type per socket role:
//
//   - [ServerSocket]: listening TCP socket (bind, listen, accept)
//   - [Socket]: connected TCP stream, client-built or accept-returned
//   - [DatagramSocket]: UDP socket in unbound, bound and peer-directed forms
//   - [UnixSocket]: Unix-domain stream socket (Unix builds only)
//   - [Initializer]: scoped process-wide network initialization
//   - [SocketAddress]: numeric address snapshot with "ip:port" rendering
//
// # Datagram Sockets
//
// Datagram sockets resolve the destination on every send, and an
// unbound socket defers descriptor creation until the first destination
// decides the address family:
//
//	udp := libsock.NewDatagramSocket()
//	defer udp.Close()
//
//	n, err := udp.SendTo([]byte("ping"), "127.0.0.1", 9000)
//
// A receiver binds a port and can bound the blocking receive:
//
//	udp, err := libsock.NewDatagramSocketBound(9000)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer udp.Close()
//
//	udp.SetTimeout(100 * time.Millisecond)
//	buf := make([]byte, 512)
//	n, sender, err := udp.RecvFrom(buf)
//
// # Error Handling
//
// Every failing operation returns an [Error] naming the operation, the
// address it concerned, the platform error code and the underlying
// cause. Distinguished conditions are matched with errors.Is and the
// package predicates:
//
//	_, err := sock.ReadString()
//	if errors.Is(err, libsock.ErrClosedByPeer) {
//	    // orderly shutdown by the peer
//	}
//	if libsock.IsTimeout(err) {
//	    // configured timeout expired
//	}
//
// Socket objects are not safe for concurrent use. The one supported
// cross-goroutine interaction is Close, which interrupts a blocked
// Accept, Connect or read on the same socket.
package libsock
