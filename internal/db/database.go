package db

import (
	"fmt"
	"log"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes a new GORM database connection and runs auto-migrations.
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	log.Println("Running database migrations...")
	err = db.AutoMigrate(
		&Deployment{},
		&ApplyRun{},
		&ResourceRecord{},
	)
	if err != nil {
		return nil, err
	}

	log.Println("Database connection established and migrations completed.")
	return db, nil
}

// Transition moves a deployment to the given state, rejecting illegal
// lifecycle steps.
func Transition(gormDB *gorm.DB, dep *Deployment, to State) error {
	if !CanTransition(dep.State, to) {
		return fmt.Errorf("illegal state transition %s -> %s for deployment %q", dep.State, to, dep.Name)
	}
	dep.State = to
	return gormDB.Model(dep).Update("state", to).Error
}
