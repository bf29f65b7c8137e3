// Package tagnet provides an asynchronous client/server communication layer
// on top of a handle-based, tagged transport engine.
//
// Features:
//   - Tag negotiation: every new connection runs a checksum-guarded handshake
//     that agrees on 64-bit matching tags before application data flows.
//   - Endpoints: NewApplicationContext composes a transport worker with a
//     progress engine; CreateEndpoint and CreateListener produce live
//     endpoints whose Send/Recv calls suspend until the transport resolves
//     the posted operation.
//   - Progress engines: completions are drained either by a dedicated
//     background goroutine (blocking or busy-polling) or by a cooperatively
//     scheduled task, and are always resolved on the owning scheduler.
//   - Transports: a framed TCP engine and an in-process loopback engine are
//     included; any engine implementing Driver, Worker and Conn can be used.
//
// Basic client example:
//
//	appCtx, err := tagnet.NewApplicationContext(tagnet.NewTCPDriver(logger), nil, logger)
//	if err != nil {
//	    // handle error
//	}
//	ep, err := appCtx.CreateEndpoint(ctx, "localhost:9000")
//	if err != nil {
//	    // handle error
//	}
//	defer ep.Abort()
//	if err := ep.SendObject(ctx, []byte("hello")); err != nil {
//	    // handle error
//	}
//
// Basic server example:
//
//	lis, err := appCtx.CreateListener(9000, func(ep *tagnet.Endpoint) {
//	    obj, err := ep.RecvObject(ctx, nil)
//	    // handle request
//	})
//	defer lis.Close()
//
// For more details and configuration options, see the README.
package tagnet
