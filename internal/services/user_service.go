package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"

	"github.com/fastcrud/userapi/internal/api/validators"
	"github.com/fastcrud/userapi/internal/models"
	"github.com/fastcrud/userapi/internal/repository"
	appErr "github.com/fastcrud/userapi/pkg/errors"
	"github.com/fastcrud/userapi/pkg/logger"
	"github.com/fastcrud/userapi/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

// Paging and batch policy.
const (
	DefaultPage  = 1
	DefaultLimit = 10
	MaxPageSize  = 100
	MaxBatchSize = 500
)

type UserService interface {
	Create(ctx context.Context, in CreateUserInput) (*models.User, error)
	List(ctx context.Context, in ListUsersInput) (*UserPage, error)
	Get(ctx context.Context, id uint) (*models.User, error)
	Update(ctx context.Context, id uint, in UpdateUserInput) (*models.User, error)
	Delete(ctx context.Context, id uint) error
	CreateMany(ctx context.Context, in []CreateUserInput) ([]models.User, error)
	PrepareImport(ctx context.Context, in []CreateUserInput) ([]ImportRecord, error)
	ImportRecords(ctx context.Context, records []ImportRecord) ([]models.User, error)
	SeedDemoUsers(ctx context.Context) (int64, error)
}

type CreateUserInput struct {
	Username string  `json:"username" validate:"required,min=3,max=20,username"`
	Email    string  `json:"email" validate:"required,email,max=255"`
	Password string  `json:"password" validate:"required,min=6,maxbytes=72"`
	Age      *int    `json:"age" validate:"omitnil,gte=0,lte=150"`
	Role     *string `json:"role" validate:"omitnil,oneof=admin user guest"`
}

// UpdateUserInput is a partial update. Nil pointers and an unset Age keep the
// stored value; an explicit null Age clears it.
type UpdateUserInput struct {
	Username *string                  `json:"username" validate:"omitnil,min=3,max=20,username"`
	Email    *string                  `json:"email" validate:"omitnil,email,max=255"`
	Age      validators.Optional[int] `json:"age" validate:"omitempty,gte=0,lte=150"`
	Role     *string                  `json:"role" validate:"omitnil,oneof=admin user guest"`
}

func (in UpdateUserInput) empty() bool {
	return in.Username == nil && in.Email == nil && !in.Age.Set && in.Role == nil
}

func (in UpdateUserInput) changes() map[string]any {
	out := map[string]any{}
	if in.Username != nil {
		out["username"] = *in.Username
	}
	if in.Email != nil {
		out["email"] = *in.Email
	}
	if in.Age.Set {
		out["age"] = in.Age.Ptr()
	}
	if in.Role != nil {
		out["role"] = *in.Role
	}
	return out
}

// ListUsersInput is clamped rather than rejected: Page < 1 becomes 1, Limit
// outside [1, MaxPageSize] becomes DefaultLimit or MaxPageSize.
type ListUsersInput struct {
	Page  int
	Limit int
	Role  string
}

type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
}

type UserPage struct {
	Users      []models.User `json:"users"`
	Pagination Pagination    `json:"pagination"`
}

// ImportRecord is a validated user whose password is already hashed, safe to
// hand to a queue.
type ImportRecord struct {
	Username     string `json:"username"`
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash"`
	Age          *int   `json:"age,omitempty"`
	Role         string `json:"role"`
}

func (r ImportRecord) toModel() *models.User {
	return &models.User{
		Username:     r.Username,
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		Age:          r.Age,
		Role:         r.Role,
		Status:       models.StatusActive,
	}
}

type UserServiceOption func(*userService)

// WithBcryptCost overrides bcrypt.DefaultCost.
func WithBcryptCost(cost int) UserServiceOption {
	return func(s *userService) { s.bcryptCost = cost }
}

type userService struct {
	repo       repository.UserRepository
	validate   *validators.Validator
	bcryptCost int
}

func NewUserService(repo repository.UserRepository, opts ...UserServiceOption) UserService {
	s := &userService{repo: repo, validate: validators.New(), bcryptCost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ensure interfaces are satisfied at compile time
var _ UserService = (*userService)(nil)

func (s *userService) Create(ctx context.Context, in CreateUserInput) (u *models.User, err error) {
	defer func() { observe("create", err) }()

	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	rec, err := s.prepare(in)
	if err != nil {
		return nil, err
	}
	u = rec.toModel()
	if err := s.repo.Create(ctx, u); err != nil {
		return nil, translate(err)
	}

	logger.L().Info("user created", zap.Uint("user_id", u.ID), zap.String("username", u.Username))
	return u, nil
}

func (s *userService) List(ctx context.Context, in ListUsersInput) (page *UserPage, err error) {
	defer func() { observe("list", err) }()

	if in.Page < 1 {
		in.Page = DefaultPage
	}
	switch {
	case in.Limit < 1:
		in.Limit = DefaultLimit
	case in.Limit > MaxPageSize:
		in.Limit = MaxPageSize
	}
	var filter repository.Filter
	if in.Role != "" {
		if !validRole(in.Role) {
			return nil, validationError(validators.Errors{{Field: "role", Message: "must be one of: admin, user, guest"}})
		}
		filter = repository.Filter{"role": in.Role}
	}

	offset := pageOffset(in.Page, in.Limit)
	users, total, err := s.repo.FindPage(ctx, offset, in.Limit, filter)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list users")
	}

	return &UserPage{
		Users: users,
		Pagination: Pagination{
			Page:       in.Page,
			Limit:      in.Limit,
			Total:      total,
			TotalPages: int((total + int64(in.Limit) - 1) / int64(in.Limit)),
		},
	}, nil
}

func (s *userService) Get(ctx context.Context, id uint) (u *models.User, err error) {
	defer func() { observe("get", err) }()

	u, err = s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "get user")
	}
	if u == nil {
		return nil, notFound()
	}
	return u, nil
}

func (s *userService) Update(ctx context.Context, id uint, in UpdateUserInput) (u *models.User, err error) {
	defer func() { observe("update", err) }()

	if in.empty() {
		return nil, appErr.New(appErr.CodeEmptyUpdate, "At least one field must be provided for update")
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}

	u, err = s.repo.Update(ctx, id, in.changes())
	if err != nil {
		return nil, translate(err)
	}
	if u == nil {
		return nil, notFound()
	}

	logger.L().Info("user updated", zap.Uint("user_id", u.ID))
	return u, nil
}

func (s *userService) Delete(ctx context.Context, id uint) (err error) {
	defer func() { observe("delete", err) }()

	removed, err := s.repo.Delete(ctx, id)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "delete user")
	}
	if !removed {
		return notFound()
	}

	logger.L().Info("user deleted", zap.Uint("user_id", id))
	return nil
}

func (s *userService) CreateMany(ctx context.Context, in []CreateUserInput) (users []models.User, err error) {
	defer func() { observe("create_many", err) }()

	records, err := s.PrepareImport(ctx, in)
	if err != nil {
		return nil, err
	}
	return s.ImportRecords(ctx, records)
}

// PrepareImport validates the whole batch, rejects unique values repeated
// within it and hashes every password. Nothing is written.
func (s *userService) PrepareImport(ctx context.Context, in []CreateUserInput) ([]ImportRecord, error) {
	switch {
	case len(in) == 0:
		return nil, validationError(validators.Errors{{Field: "users", Message: "must contain at least 1 items"}})
	case len(in) > MaxBatchSize:
		return nil, validationError(validators.Errors{{Field: "users", Message: fmt.Sprintf("must contain at most %d items", MaxBatchSize)}})
	}

	var all validators.Errors
	for i, item := range in {
		err := s.validate.Struct(item)
		if err == nil {
			continue
		}
		var verrs validators.Errors
		if !errors.As(err, &verrs) {
			return nil, appErr.Wrap(err, appErr.CodeInternal, "validate batch")
		}
		all = append(all, verrs.Prefix(fmt.Sprintf("users[%d]", i))...)
	}
	if len(all) > 0 {
		return nil, validationError(all)
	}
	if fields := batchDuplicates(in); len(fields) > 0 {
		return nil, duplicate(fields, "Duplicate "+strings.Join(fields, " and ")+" within batch")
	}

	records := make([]ImportRecord, len(in))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range in {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, err := s.prepare(in[i])
			if err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

// ImportRecords inserts prepared records in one transaction.
func (s *userService) ImportRecords(ctx context.Context, records []ImportRecord) ([]models.User, error) {
	batch := make([]*models.User, len(records))
	for i, rec := range records {
		batch[i] = rec.toModel()
	}
	if err := s.repo.CreateMany(ctx, batch); err != nil {
		return nil, translate(err)
	}

	out := make([]models.User, len(batch))
	for i, u := range batch {
		out[i] = *u
	}
	logger.L().Info("users created in batch", zap.Int("count", len(out)))
	return out, nil
}

// DemoPassword is the password of every seeded demo account.
const DemoPassword = "password123"

// SeedDemoUsers inserts the demo accounts, skipping any that already exist.
func (s *userService) SeedDemoUsers(ctx context.Context) (int64, error) {
	demo := []CreateUserInput{
		{Username: "admin", Email: "admin@example.com", Age: intPtr(30), Role: strPtr(models.RoleAdmin)},
		{Username: "john_doe", Email: "john@example.com", Age: intPtr(25)},
		{Username: "jane_smith", Email: "jane@example.com", Age: intPtr(28)},
		{Username: "bob_wilson", Email: "bob@example.com", Age: intPtr(35)},
	}
	users := make([]*models.User, 0, len(demo))
	for _, in := range demo {
		in.Password = DemoPassword
		rec, err := s.prepare(in)
		if err != nil {
			return 0, err
		}
		users = append(users, rec.toModel())
	}

	n, err := s.repo.InsertIgnoringConflicts(ctx, users)
	if err != nil {
		return 0, err
	}
	logger.L().Info("demo users seeded", zap.Int64("inserted", n))
	return n, nil
}

func (s *userService) prepare(in CreateUserInput) (ImportRecord, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return ImportRecord{}, appErr.Wrap(err, appErr.CodeInternal, "hash password")
	}
	role := models.RoleUser
	if in.Role != nil {
		role = *in.Role
	}
	return ImportRecord{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: string(hash),
		Age:          in.Age,
		Role:         role,
	}, nil
}

// pageOffset returns (page-1)*limit, saturating at math.MaxInt so a page far
// past the end stays past the end instead of wrapping negative.
func pageOffset(page, limit int) int {
	if page-1 > math.MaxInt/limit {
		return math.MaxInt
	}
	return (page - 1) * limit
}

// batchDuplicates lists unique columns whose value repeats within the batch.
func batchDuplicates(in []CreateUserInput) []string {
	usernames := make(map[string]struct{}, len(in))
	emails := make(map[string]struct{}, len(in))
	var dupUsername, dupEmail bool
	for _, item := range in {
		if _, ok := usernames[item.Username]; ok {
			dupUsername = true
		}
		if _, ok := emails[item.Email]; ok {
			dupEmail = true
		}
		usernames[item.Username] = struct{}{}
		emails[item.Email] = struct{}{}
	}
	var fields []string
	if dupEmail {
		fields = append(fields, "email")
	}
	if dupUsername {
		fields = append(fields, "username")
	}
	return fields
}

func translate(err error) error {
	var cv *repository.ConstraintViolationError
	if errors.As(err, &cv) {
		return duplicate(cv.Fields, duplicateMessage(cv.Fields))
	}
	if _, ok := appErr.As(err); ok {
		return err
	}
	return appErr.Wrap(err, appErr.CodeInternal, "store failure")
}

func duplicate(fields []string, msg string) error {
	return appErr.New(appErr.CodeDuplicate, msg).WithMeta("fields", fields)
}

func duplicateMessage(fields []string) string {
	switch {
	case len(fields) == 1 && fields[0] == "username":
		return "Username already exists"
	case len(fields) == 1 && fields[0] == "email":
		return "Email already exists"
	}
	return "Username or email already exists"
}

func validationError(err error) error {
	var verrs validators.Errors
	if errors.As(err, &verrs) {
		return appErr.Wrap(verrs, appErr.CodeValidation, "Request validation failed")
	}
	return appErr.Wrap(err, appErr.CodeInternal, "validate input")
}

func notFound() error {
	return appErr.New(appErr.CodeNotFound, "User not found")
}

func validRole(role string) bool {
	switch role {
	case models.RoleAdmin, models.RoleUser, models.RoleGuest:
		return true
	}
	return false
}

// observe records the outcome of a service call.
func observe(op string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
		if e, ok := appErr.As(err); ok {
			switch e.Code {
			case appErr.CodeValidation:
				outcome = "invalid"
			case appErr.CodeDuplicate:
				outcome = "duplicate"
			case appErr.CodeNotFound:
				outcome = "not_found"
			case appErr.CodeEmptyUpdate:
				outcome = "empty_update"
			}
		}
	}
	metrics.RecordUserOperation(op, outcome)
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }
