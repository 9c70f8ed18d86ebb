// Package hub implements a websocket-based pub-sub and RPC server.
//
// Server
//
// The Server struct defines a hub server. In its simplest form, the
// following initializes a ready-to-use server:
//
//     server := &hub.Server{
//       Store: memstore.New(),
//     }
//
// That is, only the data store must be set for the server to start
// serving connections. The store is typically a memstore.Store for a
// single node, or a redisstore.Store to share channel state between
// nodes. It can be any value that implements the store.Store
// interface.
//
// Additional fields allow for more advanced configuration, such as
// read and write timeouts, per-connection message rate limits and
// channel configurations. See the Server documentation for all
// details.
//
// The ServeConn method serves a connection using a configured
// Server. The Upgrade function creates an http.Handler that rejects
// banned origins, upgrades the connection to a websocket connection
// and serves it using the provided Server.
//
// Channels
//
// Clients subscribe to named channels and publish messages to them;
// every subscriber of a channel receives the messages published to
// it. Channels require no setup, but a ChannelConfig can be
// registered to require authentication on subscribe or to restrict
// who may publish. A config name may carry a "*" wildcard to cover a
// family of channels.
//
// Identity
//
// When a connection is accepted, the server asks the client for its
// persisted client id, generating and pushing a fresh one if the
// client has none. The id survives reconnections, so a reconnecting
// client can resume the channels it was subscribed to.
package hub
