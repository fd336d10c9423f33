// Package applications implements the quota-raise workflow: users file an
// application for a larger total allowance, admins approve or reject it, and
// an approval adds the requested amount to the user's totalQuota.
package applications

// Application statuses. Records are created pending and move exactly once to
// approved or rejected.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// Application mirrors a record on the api_applications collection.
type Application struct {
	ID             string `json:"id"`
	User           string `json:"user"`
	UserName       string `json:"userName"`
	ProjectName    string `json:"projectName"`
	UseCase        string `json:"useCase"`
	RequestedQuota int64  `json:"requestedQuota"`
	TargetModel    string `json:"targetModel"`
	Status         string `json:"status"`
	AdminNote      string `json:"adminNote"`
	Created        string `json:"created"`
}

// view is the caller-facing shape of an application.
type view struct {
	ID             string `json:"id"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
	ProjectName    string `json:"projectName"`
	UseCase        string `json:"useCase"`
	RequestedQuota int64  `json:"requestedQuota"`
	TargetModel    string `json:"targetModel,omitempty"`
	Status         string `json:"status"`
	AdminNote      string `json:"adminNote,omitempty"`
	CreatedAt      string `json:"createdAt"`
}

func (a *Application) toView() view {
	return view{
		ID:             a.ID,
		UserID:         a.User,
		UserName:       a.UserName,
		ProjectName:    a.ProjectName,
		UseCase:        a.UseCase,
		RequestedQuota: a.RequestedQuota,
		TargetModel:    a.TargetModel,
		Status:         a.Status,
		AdminNote:      a.AdminNote,
		CreatedAt:      a.Created,
	}
}
