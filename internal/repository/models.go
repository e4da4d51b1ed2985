package repository

import "time"

// User is an enrolled identity.
type User struct {
	ID        int64      `gorm:"primaryKey;autoIncrement"`
	Username  string     `gorm:"column:username;uniqueIndex;size:64;not null"`
	Email     string     `gorm:"column:email;size:255"`
	LastLogin *time.Time `gorm:"column:last_login"`
	CreatedAt time.Time  `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (User) TableName() string {
	return "users"
}

// BiometricTemplate is the serialized face vector for a user. The unique index
// on user_id backs the one-active-template rule at the schema level.
type BiometricTemplate struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	UserID       int64     `gorm:"column:user_id;uniqueIndex;not null"`
	User         *User     `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	TemplateData []byte    `gorm:"column:template_data;not null"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (BiometricTemplate) TableName() string {
	return "biometric_templates"
}
