package lineage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/canopysense/gateway/internal/model"
	"github.com/canopysense/gateway/internal/store"
)

func openTestRepo(t *testing.T) *store.Repo {
	t.Helper()
	dsn := "file:lineage_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	return repo
}

type chain struct {
	company model.Company
	program model.Program
	site    model.Site
	device  model.Device
}

func seedChain(t *testing.T, repo *store.Repo, mac string, programActive, deviceActive bool) chain {
	t.Helper()
	db := repo.DB()
	c := chain{
		company: model.Company{Name: "Verdant Ltd"},
	}
	if err := db.Create(&c.company).Error; err != nil {
		t.Fatalf("seed company: %v", err)
	}
	c.program = model.Program{CompanyID: c.company.ID, Name: "north ridge", Active: programActive}
	if err := db.Create(&c.program).Error; err != nil {
		t.Fatalf("seed program: %v", err)
	}
	// Create cannot persist Active=false over the column's default:true
	// (GORM substitutes the default for zero values), so set it explicitly.
	if err := db.Model(&c.program).Update("active", programActive).Error; err != nil {
		t.Fatalf("seed program active: %v", err)
	}
	c.site = model.Site{
		ProgramID:         c.program.ID,
		Name:              "ridge-7",
		Timezone:          "UTC",
		WakeSchedule:      "0 8,16 * * *",
		ExpectedWakeCount: 2,
	}
	if err := db.Create(&c.site).Error; err != nil {
		t.Fatalf("seed site: %v", err)
	}
	c.device = model.Device{
		MACAddress:        mac,
		Active:            deviceActive,
		ProvisioningState: model.ProvisioningReady,
	}
	if err := db.Create(&c.device).Error; err != nil {
		t.Fatalf("seed device: %v", err)
	}
	asg := model.SiteAssignment{DeviceID: c.device.ID, SiteID: c.site.ID, Active: true, IsPrimary: true}
	if err := db.Create(&asg).Error; err != nil {
		t.Fatalf("seed assignment: %v", err)
	}
	return c
}

func TestResolveFullChain(t *testing.T) {
	repo := openTestRepo(t)
	res := New(repo)
	c := seedChain(t, repo, "B8F862F9CFB8", true, true)

	lin, err := res.Resolve(context.Background(), "B8F862F9CFB8")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if lin.DeviceID != c.device.ID || lin.SiteID != c.site.ID ||
		lin.ProgramID != c.program.ID || lin.CompanyID != c.company.ID {
		t.Fatalf("chain mismatch: %+v", lin)
	}
	if lin.WakeExpression() != "0 8,16 * * *" {
		t.Fatalf("wake expression = %q", lin.WakeExpression())
	}
	if !lin.Active {
		t.Fatalf("device should resolve active")
	}
}

func TestResolveUnknownProvisionsStub(t *testing.T) {
	repo := openTestRepo(t)
	res := New(repo)
	ctx := context.Background()

	_, err := res.Resolve(ctx, "FFEEDDCCBBAA")
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("err = %v, want ErrUnresolved", err)
	}

	dev, err := repo.DeviceByMAC(ctx, "FFEEDDCCBBAA")
	if err != nil {
		t.Fatalf("device lookup: %v", err)
	}
	if dev == nil {
		t.Fatalf("stub device not provisioned")
	}
	if dev.ProvisioningState != model.ProvisioningPending || dev.Active {
		t.Fatalf("stub device = %+v", dev)
	}

	// Second resolve finds the stub and still refuses the message.
	if _, err := res.Resolve(ctx, "FFEEDDCCBBAA"); !errors.Is(err, ErrUnresolved) {
		t.Fatalf("second resolve err = %v, want ErrUnresolved", err)
	}
	if dev2, _ := repo.DeviceByMAC(ctx, "FFEEDDCCBBAA"); dev2 == nil || dev2.ID != dev.ID {
		t.Fatalf("stub duplicated")
	}
}

func TestResolveUnassignedDevice(t *testing.T) {
	repo := openTestRepo(t)
	res := New(repo)

	dev := model.Device{
		ID:                uuid.New(),
		MACAddress:        "AABBCCDDEEFF",
		Active:            true,
		ProvisioningState: model.ProvisioningReady,
	}
	if err := repo.DB().Create(&dev).Error; err != nil {
		t.Fatalf("seed device: %v", err)
	}

	_, err := res.Resolve(context.Background(), "AABBCCDDEEFF")
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("err = %v, want ErrUnresolved", err)
	}
}

func TestResolveInactiveProgram(t *testing.T) {
	repo := openTestRepo(t)
	res := New(repo)
	seedChain(t, repo, "B8F862F9CFB8", false, true)

	_, err := res.Resolve(context.Background(), "B8F862F9CFB8")
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("err = %v, want ErrUnresolved", err)
	}
}

func TestResolveInactiveDeviceStillResolves(t *testing.T) {
	repo := openTestRepo(t)
	res := New(repo)
	seedChain(t, repo, "B8F862F9CFB8", true, false)

	lin, err := res.Resolve(context.Background(), "B8F862F9CFB8")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if lin.Active {
		t.Fatalf("device should resolve inactive")
	}
}
