package models

import (
	"time"
)

type User struct {
	Email       string    `json:"email" dynamodbav:"email"`
	Name        string    `json:"name,omitempty" dynamodbav:"name,omitempty"`
	CreatedAt   time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" dynamodbav:"updated_at"`
	LastLoginAt time.Time `json:"last_login_at,omitempty" dynamodbav:"last_login_at,omitempty"`
}

func (u *User) GetPK() string {
	return UserKeyPrefix + u.Email
}

func (u *User) GetSK() string {
	return "PROFILE"
}

const UserKeyPrefix = "USER#"
