package plan

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/rileyhilliard/vpsinit/internal/remote"
	remotetest "github.com/rileyhilliard/vpsinit/internal/remote/testing"
	sshtest "github.com/rileyhilliard/vpsinit/pkg/sshutil/testing"
)

const testKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIOv7b3Q2cJmNq8kq3c0XWk2f3cQ7b1H9c3dJx2vQyL8e deploy@laptop"

const freshSSHDConfig = `Include /etc/ssh/sshd_config.d/*.conf

#Port 22
PermitRootLogin yes
#PasswordAuthentication yes
KbdInteractiveAuthentication no
UsePAM yes

Subsystem sftp /usr/lib/openssh/sftp-server

Match User anoncvs
	PasswordAuthentication yes
`

const cloudInitDropIn = "/etc/ssh/sshd_config.d/50-cloud-init.conf"

type vmUser struct {
	home   string
	groups []string
}

type sshdSettings struct {
	permitRootLogin string
	passwordAuth    string
}

// vm is a Debian host simulated on a FakeHost: enough apt, adduser, sshd,
// ufw, systemd and npm behavior for the plan to run against.
type vm struct {
	*remotetest.FakeHost

	mu          sync.Mutex
	users       map[string]*vmUser
	packages    map[string]bool
	services    map[string]bool
	aptFresh    bool
	ufwActive   bool
	ufwRules    []string
	nodeVersion string
	nodeSource  string
	npm         map[string]bool
	running     sshdSettings
	restarts    int

	// newerNode makes apt keep an installed node of a higher major.
	newerNode bool
	// fail2banExits makes fail2ban stop right after systemctl starts it.
	fail2banExits bool
	// sshdTestFails makes sshd -t reject every config.
	sshdTestFails bool
	// onRestart runs after sshd restarts, before the session drops.
	onRestart func()
}

func newVM(t *testing.T, adminUser string) *vm {
	t.Helper()
	v := &vm{
		FakeHost: remotetest.NewFakeHost(),
		users:    map[string]*vmUser{"root": {home: "/root", groups: []string{"root"}}},
		packages: map[string]bool{"openssh-server": true},
		services: map[string]bool{"ssh": true},
		npm:      make(map[string]bool),
	}
	v.SetFile(sshdConfigPath, []byte(freshSSHDConfig), remote.FileSpec{Mode: 0o644})
	v.SetFile(cloudInitDropIn, []byte("PasswordAuthentication yes\n"), remote.FileSpec{Mode: 0o600})
	v.running = v.effectiveSSHD()

	v.Auth = func(mode remote.Mode) error {
		v.mu.Lock()
		running := v.running
		v.mu.Unlock()
		switch mode {
		case remote.RootPassword:
			if running.permitRootLogin != "yes" || running.passwordAuth != "yes" {
				return remotetest.DialFailure(mode, remote.FailAuth)
			}
		case remote.KeyBasedUser:
			if !v.keyAccepted(adminUser) {
				return remotetest.DialFailure(mode, remote.FailAuth)
			}
		}
		return nil
	}
	v.SudoOK = func() bool {
		_, ok := v.File(SudoersPath(adminUser))
		return ok
	}

	v.install()
	return v
}

func (v *vm) keyAccepted(user string) bool {
	v.mu.Lock()
	u, ok := v.users[user]
	v.mu.Unlock()
	if !ok {
		return false
	}
	f, ok := v.File(u.home + "/.ssh/authorized_keys")
	return ok && f.Owner == user && HasAuthorizedKey(string(f.Content), testKey)
}

// effectiveSSHD evaluates the on-disk config the way sshd does: drop-ins
// first, first value wins, Match blocks ignored.
func (v *vm) effectiveSSHD() sshdSettings {
	paths := v.Glob(sshdDropInDir + "/*.conf")
	sort.Strings(paths)
	paths = append(paths, sshdConfigPath)

	values := map[string]string{}
	for _, p := range paths {
		f, ok := v.File(p)
		if !ok {
			continue
		}
		for _, line := range strings.Split(string(f.Content), "\n") {
			key, value, isComment := parseDirective(line)
			if key == "" || isComment {
				continue
			}
			key = strings.ToLower(key)
			if key == "match" {
				break
			}
			if _, seen := values[key]; !seen {
				values[key] = strings.ToLower(value)
			}
		}
	}
	s := sshdSettings{permitRootLogin: "prohibit-password", passwordAuth: "yes"}
	if val, ok := values["permitrootlogin"]; ok {
		s.permitRootLogin = val
	}
	if val, ok := values["passwordauthentication"]; ok {
		s.passwordAuth = val
	}
	return s
}

func args(cmd string) []string {
	words, err := sshtest.SplitWords(cmd)
	if err != nil {
		panic(err)
	}
	return words
}

func okReply(stdout string) remotetest.Reply {
	return remotetest.Reply{Stdout: stdout}
}

func failReply(code int, stderr string) remotetest.Reply {
	return remotetest.Reply{ExitCode: code, Stderr: stderr}
}

func (v *vm) handle(pattern string, fn func(a []string) remotetest.Reply) {
	v.Handle(pattern, func(cmd string, _ []string) remotetest.Reply {
		return fn(args(cmd))
	})
}

func (v *vm) install() {
	v.handle(`^find /var/lib/apt/lists `, func([]string) remotetest.Reply {
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.aptFresh {
			return okReply("/var/lib/apt/lists/deb.debian.org_debian_dists_bookworm_main_binary-amd64_Packages\n")
		}
		return okReply("")
	})
	v.handle(`^DEBIAN_FRONTEND=noninteractive apt-get update`, func([]string) remotetest.Reply {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.aptFresh = true
		return okReply("Reading package lists... Done\n")
	})
	v.handle(`^DEBIAN_FRONTEND=noninteractive apt-get install -y -q `, func(a []string) remotetest.Reply {
		v.mu.Lock()
		defer v.mu.Unlock()
		for _, p := range a[5:] {
			v.packages[p] = true
			if p == "nodejs" {
				if v.newerNode && v.nodeVersion != "" {
					continue
				}
				if v.nodeSource != "" {
					v.nodeVersion = "v" + v.nodeSource + ".11.1"
				} else if v.nodeVersion == "" {
					v.nodeVersion = "v18.19.0"
				}
			}
		}
		return okReply("")
	})

	v.handle(`^id -u `, func(a []string) remotetest.Reply {
		v.mu.Lock()
		defer v.mu.Unlock()
		if _, exists := v.users[a[2]]; !exists {
			return failReply(1, "id: '"+a[2]+"': no such user\n")
		}
		return okReply("1000\n")
	})
	v.handle(`^id -nG `, func(a []string) remotetest.Reply {
		v.mu.Lock()
		defer v.mu.Unlock()
		u, exists := v.users[a[2]]
		if !exists {
			return failReply(1, "id: '"+a[2]+"': no such user\n")
		}
		return okReply(strings.Join(u.groups, " ") + "\n")
	})
	v.handle(`^adduser `, func(a []string) remotetest.Reply {
		v.mu.Lock()
		defer v.mu.Unlock()
		name := a[len(a)-1]
		if _, exists := v.users[name]; exists {
			return failReply(1, "adduser: The user `"+name+"' already exists.\n")
		}
		v.users[name] = &vmUser{home: "/home/" + name, groups: []string{name}}
		return okReply("")
	})
	v.handle(`^usermod -aG `, func(a []string) remotetest.Reply {
		v.mu.Lock()
		defer v.mu.Unlock()
		u, exists := v.users[a[3]]
		if !exists {
			return failReply(6, "usermod: user '"+a[3]+"' does not exist\n")
		}
		if !hasField(strings.Join(u.groups, " "), a[2]) {
			u.groups = append(u.groups, a[2])
		}
		return okReply("")
	})
	v.handle(`^getent passwd `, func(a []string) remotetest.Reply {
		v.mu.Lock()
		defer v.mu.Unlock()
		u, exists := v.users[a[2]]
		if !exists {
			return failReply(2, "")
		}
		return okReply(fmt.Sprintf("%s:x:1000:1000:,,,:%s:/bin/bash\n", a[2], u.home))
	})
	v.handle(`^install -d `, func([]string) remotetest.Reply { return okReply("") })
	v.handle(`^stat -c %a:%U `, func(a []string) remotetest.Reply {
		f, exists := v.File(a[3])
		if !exists {
			return failReply(1, "stat: cannot statx '"+a[3]+"': No such file or directory\n")
		}
		return okReply(fmt.Sprintf("%o:%s\n", f.Mode.Perm(), f.Owner))
	})
	v.handle(`^visudo -cf `, func(a []string) remotetest.Reply {
		f, exists := v.File(a[2])
		if !exists || !regexp.MustCompile(`^\S+ ALL=\(ALL\) NOPASSWD:ALL\n$`).Match(f.Content) {
			return failReply(1, "parse error in "+a[2]+"\n")
		}
		return okReply(a[2] + ": parsed OK\n")
	})

	v.handle(`^sshd -T$`, func([]string) remotetest.Reply {
		s := v.effectiveSSHD()
		return okReply(fmt.Sprintf("port 22\npermitrootlogin %s\npasswordauthentication %s\nusepam yes\n",
			s.permitRootLogin, s.passwordAuth))
	})
	v.handle(`^sshd -t`, func([]string) remotetest.Reply {
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.sshdTestFails {
			return failReply(255, "/etc/ssh/sshd_config line 12: Bad configuration option\n")
		}
		return okReply("")
	})
	v.handle(`^find /etc/ssh/sshd_config.d `, func([]string) remotetest.Reply {
		paths := v.Glob(sshdDropInDir + "/*.conf")
		sort.Strings(paths)
		if len(paths) == 0 {
			return okReply("")
		}
		return okReply(strings.Join(paths, "\n") + "\n")
	})
	v.handle(`^systemctl restart ssh$`, func([]string) remotetest.Reply {
		eff := v.effectiveSSHD()
		v.mu.Lock()
		v.running = eff
		v.restarts++
		hook := v.onRestart
		v.mu.Unlock()
		if hook != nil {
			hook()
		}
		return remotetest.Reply{Drop: true}
	})

	v.handle(`^ufw status$`, func([]string) remotetest.Reply {
		v.mu.Lock()
		defer v.mu.Unlock()
		if !v.packages["ufw"] {
			return failReply(127, "sh: 1: ufw: not found\n")
		}
		if !v.ufwActive {
			return okReply("Status: inactive\n")
		}
		var b strings.Builder
		b.WriteString("Status: active\n\nTo                         Action      From\n--                         ------      ----\n")
		for _, r := range v.ufwRules {
			fmt.Fprintf(&b, "%-26s ALLOW       Anywhere\n", r)
		}
		for _, r := range v.ufwRules {
			fmt.Fprintf(&b, "%-26s ALLOW       Anywhere (v6)\n", r+" (v6)")
		}
		return okReply(b.String())
	})
	v.handle(`^ufw allow `, func(a []string) remotetest.Reply {
		v.mu.Lock()
		defer v.mu.Unlock()
		for _, r := range v.ufwRules {
			if r == a[2] {
				return okReply("Skipping adding existing rule\n")
			}
		}
		v.ufwRules = append(v.ufwRules, a[2])
		return okReply("Rules updated\n")
	})
	v.handle(`^ufw --force enable$`, func([]string) remotetest.Reply {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.ufwActive = true
		return okReply("Firewall is active and enabled on system startup\n")
	})

	v.handle(`^systemctl is-active `, func(a []string) remotetest.Reply {
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.services[a[2]] {
			return okReply("active\n")
		}
		return remotetest.Reply{Stdout: "inactive\n", ExitCode: 3}
	})
	v.handle(`^systemctl enable --now `, func(a []string) remotetest.Reply {
		v.mu.Lock()
		defer v.mu.Unlock()
		if !v.packages[a[3]] {
			return failReply(1, "Failed to enable unit: Unit file "+a[3]+".service does not exist.\n")
		}
		v.services[a[3]] = !(a[3] == "fail2ban" && v.fail2banExits)
		return okReply("")
	})

	v.handle(`^dpkg-query -W `, func(a []string) remotetest.Reply {
		v.mu.Lock()
		defer v.mu.Unlock()
		var out, errOut strings.Builder
		code := 0
		for _, p := range a[4:] {
			if v.packages[p] {
				fmt.Fprintf(&out, "%s installed\n", p)
			} else {
				fmt.Fprintf(&errOut, "dpkg-query: no packages found matching %s\n", p)
				code = 1
			}
		}
		return remotetest.Reply{Stdout: out.String(), Stderr: errOut.String(), ExitCode: code}
	})

	v.handle(`^node --version$`, func([]string) remotetest.Reply {
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.nodeVersion == "" {
			return failReply(127, "sh: 1: node: not found\n")
		}
		return okReply(v.nodeVersion + "\n")
	})
	v.handle(`^curl -fsSL https://deb\.nodesource\.com/setup_`, func(a []string) remotetest.Reply {
		m := regexp.MustCompile(`setup_(\d+)\.x$`).FindStringSubmatch(a[2])
		v.mu.Lock()
		v.nodeSource = m[1]
		v.mu.Unlock()
		v.SetFile(a[4], []byte("#!/bin/bash\n"), remote.FileSpec{Mode: 0o644})
		return okReply("")
	})
	v.handle(`^bash /tmp/nodesource_setup\.sh$`, func([]string) remotetest.Reply { return okReply("") })

	v.handle(`^npm ls -g --depth=0 `, func(a []string) remotetest.Reply {
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.npm[a[4]] {
			return okReply("/usr/lib\n└── " + a[4] + "@5.4.0\n")
		}
		return remotetest.Reply{Stdout: "/usr/lib\n└── (empty)\n", ExitCode: 1}
	})
	v.handle(`^npm install -g `, func(a []string) remotetest.Reply {
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.nodeVersion == "" {
			return failReply(127, "sh: 1: npm: not found\n")
		}
		for _, p := range a[3:] {
			v.npm[p] = true
		}
		return okReply("added 1 package\n")
	})
}

func (v *vm) user(name string) (vmUser, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	u, ok := v.users[name]
	if !ok {
		return vmUser{}, false
	}
	return *u, true
}
