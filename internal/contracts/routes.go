package contracts

// Session protocol routes exchanged between peers and a session coordinator.
const (
	RouteConnect      = "player.connect"
	RouteReady        = "player.ready"
	RouteFaulted      = "player.faulted"
	RouteAllReady     = "players.allReady"
	RoutePlayerUpdate = "player.update"
	RouteJoinToken    = "player.p2ptoken"
	RoutePostResults  = "gamesession.postresults"
	RouteShutdown     = "gamesession.shutdown"
	RouteDisconnect   = "gamesession.disconnect"
)

// PlayerUpdate is broadcast to session members when a player's state changes.
type PlayerUpdate struct {
	UserID string `json:"user_id"`
	Status byte   `json:"status"`
	IsHost bool   `json:"is_host"`
	Data   string `json:"data,omitempty"`
}

// Environment variable names injected into launched dedicated server
// processes and containers.
const (
	EnvConnectionToken   = "FGF_CONNECTION_TOKEN"
	EnvClusterEndpoints  = "FGF_CLUSTER_ENDPOINTS"
	EnvAuthToken         = "FGF_AUTHENTICATION_TOKEN"
	EnvAccountID         = "FGF_ACCOUNT_ID"
	EnvApplicationName   = "FGF_APPLICATION_NAME"
	EnvTransportEndpoint = "FGF_TRANSPORT_ENDPOINT"
	EnvServerPort        = "FGF_SERVER_PORT"
)
