package swarm

import "context"

// RouteConstraints bound one routing decision.
type RouteConstraints struct {
	AllowedModels []string
	TokenBudget   int
	Context       string
}

// RouteDecision is the router's advice for one role invocation.
type RouteDecision struct {
	SelectedModel    string  `json:"selected_model"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	Confidence       float64 `json:"confidence"`
}

// routeConfidenceFloor is the confidence below which the router's advice is
// ignored and the profile default model wins.
const routeConfidenceFloor = 0.5

// ModelRouter picks a cost-appropriate model for a task. Purely advisory:
// the manager applies an override only at or above routeConfidenceFloor.
type ModelRouter interface {
	Route(ctx context.Context, task string, constraints RouteConstraints) (RouteDecision, error)
}

// RoleEstimate is one role's pre-execution routing decision.
type RoleEstimate struct {
	Role        string        `json:"role"`
	ProfileName string        `json:"profile_name"`
	Budget      int           `json:"budget"`
	Decision    RouteDecision `json:"decision"`
}

// CostEstimate is the side-effect-free result of EstimateSwarmCost.
type CostEstimate struct {
	TemplateID   string         `json:"template_id"`
	TotalCostUSD float64        `json:"total_cost_usd"`
	Roles        []RoleEstimate `json:"roles"`
}
