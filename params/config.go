package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Engine holds the escrow policy knobs. The fee ratio is intentionally NOT
// here: it is a structural constant of the settlement math, not policy.
type Engine struct {
	// Admin is the custodian identity. It fronts storage deposits, collects
	// settlement fees and may resolve stuck tickets unilaterally.
	Admin common.Address

	// DustThreshold is the unfilled remainder (in asset base units) below
	// which an order counts as economically finished and may close.
	DustThreshold uint64

	// FillCooldown is the minimum interval between ticket reservations on
	// the same order.
	FillCooldown time.Duration

	// MaxFillsPerDay caps ticket reservations per order per rolling 24h.
	MaxFillsPerDay int
}

// Rent configures per-record storage deposits (in native deposit units).
type Rent struct {
	OrderDeposit  uint64
	VaultDeposit  uint64
	TicketDeposit uint64

	// CustodianStake is the deposit balance the custodian is topped up to
	// at startup so record creation never stalls on deposits.
	CustodianStake uint64
}

type API struct {
	ListenAddr     string
	AllowedOrigins []string
}

type P2P struct {
	// ListenAddr is a multiaddr; empty disables event gossip.
	ListenAddr string
	Bootstrap  []string
}

type Config struct {
	Engine Engine
	Rent   Rent
	API    API
	P2P    P2P
	DBPath string
}

func Default() Config {
	return Config{
		Engine: Engine{
			Admin:          common.HexToAddress("0xD5570000000000000000000000000000000000AD"),
			DustThreshold:  1_000_000, // 1 unit at 6 decimals
			FillCooldown:   2 * time.Second,
			MaxFillsPerDay: 70,
		},
		Rent: Rent{
			OrderDeposit:   3_000_000,
			VaultDeposit:   2_000_000,
			TicketDeposit:  1_000_000,
			CustodianStake: 10_000_000_000,
		},
		API: API{
			ListenAddr:     ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		P2P: P2P{
			ListenAddr: "", // gossip off by default
		},
		DBPath: "data/escrowd",
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if admin := os.Getenv("ESCROW_ADMIN"); common.IsHexAddress(admin) {
		cfg.Engine.Admin = common.HexToAddress(admin)
	}
	if dust := os.Getenv("ESCROW_DUST_THRESHOLD"); dust != "" {
		if v, err := strconv.ParseUint(dust, 10, 64); err == nil {
			cfg.Engine.DustThreshold = v
		}
	}
	if cd := os.Getenv("ESCROW_FILL_COOLDOWN_MS"); cd != "" {
		if ms, err := strconv.Atoi(cd); err == nil {
			cfg.Engine.FillCooldown = time.Duration(ms) * time.Millisecond
		}
	}
	if cap := os.Getenv("ESCROW_MAX_FILLS_PER_DAY"); cap != "" {
		if v, err := strconv.Atoi(cap); err == nil {
			cfg.Engine.MaxFillsPerDay = v
		}
	}

	if v := envUint("RENT_ORDER_DEPOSIT"); v != 0 {
		cfg.Rent.OrderDeposit = v
	}
	if v := envUint("RENT_VAULT_DEPOSIT"); v != 0 {
		cfg.Rent.VaultDeposit = v
	}
	if v := envUint("RENT_TICKET_DEPOSIT"); v != 0 {
		cfg.Rent.TicketDeposit = v
	}
	if v := envUint("RENT_CUSTODIAN_STAKE"); v != 0 {
		cfg.Rent.CustodianStake = v
	}

	if addr := os.Getenv("API_LISTEN"); addr != "" {
		cfg.API.ListenAddr = addr
	}
	if origins := os.Getenv("API_ALLOWED_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = strings.Split(origins, ",")
	}

	if listen := os.Getenv("P2P_LISTEN"); listen != "" {
		cfg.P2P.ListenAddr = listen
	}
	if boot := os.Getenv("P2P_BOOTSTRAP"); boot != "" {
		cfg.P2P.Bootstrap = strings.Split(boot, ",")
	}

	if db := os.Getenv("DB_PATH"); db != "" {
		cfg.DBPath = db
	}

	return cfg
}

func envUint(key string) uint64 {
	if s := os.Getenv(key); s != "" {
		if v, err := strconv.ParseUint(s, 10, 64); err == nil {
			return v
		}
	}
	return 0
}
