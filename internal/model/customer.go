package model

import "time"

type Customer struct {
	CustomerCode string    `gorm:"column:customer_code;primaryKey"`
	Name         string    `gorm:"column:name"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (Customer) TableName() string {
	return "customers"
}
