package schema

// Roles.
const (
	RoleAdmin   = "admin"
	RoleStudent = "student"
)

// User is an account in the remote users collection. Password holds whatever
// the configured credential scheme stores (plain text by default).
type User struct {
	ID          string  `json:"id"`
	Email       string  `json:"email" validate:"required,email"`
	Password    string  `json:"password" validate:"required"`
	FullName    string  `json:"fullName" validate:"required"`
	Role        string  `json:"role" validate:"required,oneof=admin student"`
	CreatedAt   string  `json:"createdAt"`
	LastLogin   *string `json:"lastLogin"`
	StudentData Record  `json:"studentData,omitempty"`
}

// Validate checks field values.
func (u *User) Validate() error {
	return check(u)
}

// ToRecord converts the user to its stored form.
func (u *User) ToRecord() (Record, error) {
	return Normalize(u)
}

// UserFromRecord decodes a user record.
func UserFromRecord(r Record) (*User, error) {
	var u User
	if err := Decode(r, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// NewStudentData returns the embedded profile of a freshly signed-up student.
func NewStudentData(joiningDate string) Record {
	return Record{
		"mobile":      "",
		"joiningDate": joiningDate,
		"seatNumber":  "",
		"shift":       "",
		"status":      StatusInactive,
	}
}
