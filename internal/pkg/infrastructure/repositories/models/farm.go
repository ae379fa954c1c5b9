package models

import (
	"time"

	"gorm.io/gorm"
)

//User owns seasons and receives notifications
type User struct {
	gorm.Model
	Username string
	Email    string `gorm:"unique"`
	Role     string `gorm:"default:user"`
}

//DisplayName is used to greet the user in emails
func (u *User) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	return u.Email
}

//SeasonStatus tracks whether a growing season is still running
type SeasonStatus string

//Known season statuses
const (
	SeasonStatusActive SeasonStatus = "Active"
	SeasonStatusEnded  SeasonStatus = "Ended"
)

//Season groups the locations a user farms during a period of time
type Season struct {
	gorm.Model
	Name       string
	StartDate  time.Time
	EndDate    time.Time    `gorm:"index"`
	Status     SeasonStatus `gorm:"default:Active"`
	IsArchived bool
	UserID     uint `gorm:"index"`
}

//Location is a growing area within a season. LocationCode is only set for
//locations that still have firmware publishing on the legacy topics.
type Location struct {
	gorm.Model
	Name         string
	Description  string
	Area         string
	LocationCode string `gorm:"index"`
	SeasonID     uint   `gorm:"index"`
}

//Plant is grown at a location and may follow a care plan
type Plant struct {
	gorm.Model
	Name       string
	Status     string
	LocationID *uint
	SeasonID   *uint
	CarePlanID *uint `gorm:"index"`
}

//CarePlan is a set of scheduled care tasks for a plant
type CarePlan struct {
	gorm.Model
	Name string
}

//CareTaskType enumerates the agricultural actions a care task can schedule
type CareTaskType string

//Known care task types
const (
	CareTaskFertilize     CareTaskType = "Fertilize"
	CareTaskWater         CareTaskType = "Water"
	CareTaskSpray         CareTaskType = "Spray"
	CareTaskPrune         CareTaskType = "Prune"
	CareTaskHarvest       CareTaskType = "Harvest"
	CareTaskPestTreatment CareTaskType = "PestTreatment"
)

//CareTaskStatus is the progress of a care task
type CareTaskStatus string

//Known care task statuses
const (
	CareTaskNotStarted CareTaskStatus = "NotStarted"
	CareTaskInProgress CareTaskStatus = "InProgress"
	CareTaskDone       CareTaskStatus = "Done"
	CareTaskCancelled  CareTaskStatus = "Cancelled"
)

//CareTask is one scheduled action from a care plan
type CareTask struct {
	gorm.Model
	Name          string
	Type          CareTaskType
	ScheduledDate time.Time `gorm:"index"`
	Note          string
	Status        CareTaskStatus `gorm:"default:NotStarted"`
	CarePlanID    uint           `gorm:"index"`
}
