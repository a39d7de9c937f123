package store

// Record types and domain enumerations. JSON tags follow the dashboard's
// snake_case wire format. Timestamps are Unix milliseconds throughout.

// System status values for the singleton configuration row.
const (
	StatusStopped = "stopped"
	StatusRunning = "running"
	StatusPaused  = "paused"
	StatusError   = "error"
)

// Log levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
	LevelSuccess = "success"
)

// Slot statuses.
const (
	SlotAvailable = "available"
	SlotBooked    = "booked"
	SlotFailed    = "failed"
	SlotPending   = "pending"
)

// Appointment types.
const (
	AppointmentIndividual = "Individual"
	AppointmentFamily     = "Family"
)

// VisaTypes maps each supported visa type to its valid subtypes.
func VisaTypes() map[string][]string {
	return map[string][]string{
		"Tourist Visa":        {"Short Stay", "Long Stay"},
		"Business Visa":       {"Short Stay", "Long Stay"},
		"Student Visa":        {"Short Stay", "Long Stay"},
		"Work Visa":           {"Temporary Work", "Permanent Work"},
		"Family Reunion Visa": {"Spouse Visa", "Child Visa"},
	}
}

// AppointmentTypes lists the supported appointment modes.
func AppointmentTypes() []string {
	return []string{AppointmentIndividual, AppointmentFamily}
}

// Credential is one stored portal login. The engine mutates only the
// attempt counters and last_used, via RecordAttempt.
type Credential struct {
	ID                 string `json:"id"`
	Name               string `json:"credential_name"`
	Email              string `json:"email"`
	Password           string `json:"password,omitempty"`
	Active             bool   `json:"is_active"`
	Primary            bool   `json:"is_primary"`
	TotalAttempts      int64  `json:"total_attempts"`
	SuccessfulAttempts int64  `json:"successful_attempts"`
	LastUsed           *int64 `json:"last_used,omitempty"`
	Notes              string `json:"notes"`
	CreatedAt          int64  `json:"created_at"`
	UpdatedAt          int64  `json:"updated_at"`
}

// SuccessRate returns successes/attempts, or 0 for an untried credential.
func (c *Credential) SuccessRate() float64 {
	if c.TotalAttempts == 0 {
		return 0
	}
	return float64(c.SuccessfulAttempts) / float64(c.TotalAttempts)
}

// Applicant is one visa applicant record. Read-only to the engine.
type Applicant struct {
	ID               string `json:"id"`
	FirstName        string `json:"first_name"`
	LastName         string `json:"last_name"`
	PassportNumber   string `json:"passport_number"`
	Nationality      string `json:"nationality"`
	PhoneNumber      string `json:"phone_number"`
	Email            string `json:"email"`
	DateOfBirth      string `json:"date_of_birth,omitempty"`
	Gender           string `json:"gender,omitempty"`
	Address          string `json:"address,omitempty"`
	City             string `json:"city,omitempty"`
	PostalCode       string `json:"postal_code,omitempty"`
	Country          string `json:"country,omitempty"`
	EmergencyContact string `json:"emergency_contact,omitempty"`
	EmergencyPhone   string `json:"emergency_phone,omitempty"`
	VisaType         string `json:"visa_type_preference,omitempty"`
	Notes            string `json:"notes,omitempty"`
	Primary          bool   `json:"is_primary"`
	CreatedAt        int64  `json:"created_at"`
	UpdatedAt        int64  `json:"updated_at"`
}

// Slot is one discovered appointment slot. Append-only: every discovery is
// a new row even when it duplicates an earlier one.
type Slot struct {
	ID          string `json:"id"`
	FoundAt     int64  `json:"found_at"`
	Date        string `json:"appointment_date"`
	Time        string `json:"appointment_time"`
	VisaType    string `json:"visa_type"`
	VisaSubType string `json:"visa_category"`
	Location    string `json:"location"`
	Available   int    `json:"available_slots"`
	Status      string `json:"status"`
	BookingRef  string `json:"booking_ref,omitempty"`
}

// LogEntry is one system log line.
type LogEntry struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Step      string `json:"step,omitempty"`
	Details   string `json:"details,omitempty"`
}

// SystemConfig is the singleton run configuration and counters row.
type SystemConfig struct {
	Status             string `json:"status"`
	CheckIntervalMin   int    `json:"check_interval_minutes"`
	VisaType           string `json:"visa_type"`
	VisaSubType        string `json:"visa_subtype"`
	AppointmentType    string `json:"appointment_type"`
	Members            int    `json:"number_of_members"`
	AutoBook           bool   `json:"auto_book"`
	LastCheck          *int64 `json:"last_check,omitempty"`
	TotalChecks        int64  `json:"total_checks"`
	SlotsFound         int64  `json:"slots_found"`
	SuccessfulBookings int64  `json:"successful_bookings"`
	ErrorCount         int64  `json:"error_count"`
}

// NotificationSettings is the singleton notification preferences row.
type NotificationSettings struct {
	EmailEnabled bool   `json:"email_notifications"`
	Email        string `json:"notification_email"`
	OnSlotsFound bool   `json:"notify_on_slots_found"`
	OnBooking    bool   `json:"notify_on_booking_success"`
	OnErrors     bool   `json:"notify_on_errors"`
}
