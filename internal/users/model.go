package users

// Roles and account states as stored on the users collection.
const (
	RoleAdmin = "ADMIN"
	RoleUser  = "USER"

	StatusActive  = "active"
	StatusBlocked = "blocked"
)

// Default quotas applied at signup.
const (
	DefaultDailyQuota = 5000
	DefaultTotalQuota = 50000
)

// User mirrors a record on the users collection. Copies fetched through the
// cache are read-only snapshots; the record store owns the mutable state.
type User struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	Role          string `json:"role"`
	Status        string `json:"status"`
	DailyUsage    int64  `json:"dailyUsage"`
	DailyQuota    int64  `json:"dailyQuota"`
	TotalUsage    int64  `json:"totalUsage"`
	TotalQuota    int64  `json:"totalQuota"`
	LastActive    string `json:"lastActive"`
	LastIP        string `json:"lastIp"`
	AccessCount   int64  `json:"accessCount"`
	PrimaryAPIKey string `json:"primaryApiKey"`
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

func (u *User) IsBlocked() bool {
	return u.Status == StatusBlocked
}

// Profile is the caller-facing view of a user, with quota fields the
// dashboard renders.
type Profile struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	Status      string `json:"status"`
	DailyUsage  int64  `json:"dailyUsage"`
	DailyQuota  int64  `json:"dailyQuota"`
	TotalUsage  int64  `json:"usage"`
	TotalQuota  int64  `json:"totalQuota"`
	LastActive  string `json:"lastActive"`
	APIKey      string `json:"apiKey"`
	AccessCount int64  `json:"accessCount"`
}

func (u *User) Profile() Profile {
	return Profile{
		ID:          u.ID,
		Email:       u.Email,
		Name:        u.Name,
		Role:        u.Role,
		Status:      u.Status,
		DailyUsage:  u.DailyUsage,
		DailyQuota:  u.DailyQuota,
		TotalUsage:  u.TotalUsage,
		TotalQuota:  u.TotalQuota,
		LastActive:  u.LastActive,
		APIKey:      u.PrimaryAPIKey,
		AccessCount: u.AccessCount,
	}
}
