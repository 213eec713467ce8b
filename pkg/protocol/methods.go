package protocol

// HTTP routes served by the gateway.
const (
	RouteHealth   = "/health"
	RouteStatus   = "/v1/status"
	RouteOutbound = "/v1/outbound"

	DefaultEvolutionWebhook = "/webhook/evolution"
)
