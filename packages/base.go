package packages

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// legacyManifestBases are base identities whose manifest is frozen. The
// historical list below is a compatibility guarantee and ignores the
// filesystem entirely.
var legacyManifestBases = map[string]bool{
	"core":   true,
	"core16": true,
	"core18": true,
}

// legacyBaseManifest is the frozen package list for legacy bases
var legacyBaseManifest = []string{
	"adduser",
	"apt",
	"apt-utils",
	"base-files",
	"base-passwd",
	"bash",
	"bsdutils",
	"coreutils",
	"dash",
	"debconf",
	"debconf-i18n",
	"debianutils",
	"diffutils",
	"dmsetup",
	"dpkg",
	"e2fslibs",
	"e2fsprogs",
	"file",
	"findutils",
	"gcc-4.9-base",
	"gcc-5-base",
	"gnupg",
	"gpgv",
	"grep",
	"gzip",
	"hostname",
	"init",
	"initscripts",
	"insserv",
	"libacl1",
	"libapparmor1",
	"libapt",
	"libapt-inst1.5",
	"libapt-pkg4.12",
	"libattr1",
	"libaudit-common",
	"libaudit1",
	"libblkid1",
	"libbz2-1.0",
	"libc-bin",
	"libc6",
	"libcap2",
	"libcap2-bin",
	"libcomerr2",
	"libcryptsetup4",
	"libdb5.3",
	"libdebconfclient0",
	"libdevmapper1.02.1",
	"libgcc1",
	"libgcrypt20",
	"libgpg-error0",
	"libgpm2",
	"libkmod2",
	"liblocale-gettext-perl",
	"liblzma5",
	"libmagic1",
	"libmount1",
	"libncurses5",
	"libncursesw5",
	"libpam-modules",
	"libpam-modules-bin",
	"libpam-runtime",
	"libpam0g",
	"libpcre3",
	"libprocps3",
	"libreadline6",
	"libselinux1",
	"libsemanage-common",
	"libsemanage1",
	"libsepol1",
	"libslang2",
	"libsmartcols1",
	"libss2",
	"libstdc++6",
	"libsystemd0",
	"libtext-charwidth-perl",
	"libtext-iconv-perl",
	"libtext-wrapi18n-perl",
	"libtinfo5",
	"libudev1",
	"libusb-0.1-4",
	"libustr-1.0-1",
	"libuuid1",
	"locales",
	"login",
	"lsb-base",
	"makedev",
	"manpages",
	"manpages-dev",
	"mawk",
	"mount",
	"multiarch-support",
	"ncurses-base",
	"ncurses-bin",
	"passwd",
	"perl-base",
	"procps",
	"readline-common",
	"sed",
	"sensible-utils",
	"systemd",
	"systemd-sysv",
	"sysv-rc",
	"sysvinit-utils",
	"tar",
	"tzdata",
	"ubuntu-keyring",
	"udev",
	"util-linux",
	"zlib1g",
}

// ignoreFilters lists, per base, packages exempted from base-manifest
// filtering. An exempted package stays eligible for the fetch set even
// when the base already ships it.
var ignoreFilters = map[string]map[string]bool{
	"core20": {
		"python3-attr":                true,
		"python3-blinker":             true,
		"python3-certifi":             true,
		"python3-cffi-backend":        true,
		"python3-chardet":             true,
		"python3-configobj":           true,
		"python3-cryptography":        true,
		"python3-idna":                true,
		"python3-importlib-metadata":  true,
		"python3-jinja2":              true,
		"python3-json-pointer":        true,
		"python3-jsonpatch":           true,
		"python3-jsonschema":          true,
		"python3-jwt":                 true,
		"python3-lib2to3":             true,
		"python3-markupsafe":          true,
		"python3-more-itertools":      true,
		"python3-netifaces":           true,
		"python3-oauthlib":            true,
		"python3-pyrsistent":          true,
		"python3-pyudev":              true,
		"python3-requests":            true,
		"python3-requests-unixsocket": true,
		"python3-serial":              true,
		"python3-six":                 true,
		"python3-urllib3":             true,
		"python3-urwid":               true,
		"python3-yaml":                true,
		"python3-zipp":                true,
	},
}

// installedStatusPrefix marks lines of an installed-package listing that
// contribute to the manifest.
const installedStatusPrefix = "ii "

// basePackageListPath locates the installed-package listing for a base.
// Overridable in tests.
var basePackageListPath = func(base string) string {
	return filepath.Join("/snap", base, "current/usr/share/snappy/dpkg.list")
}

// PackagesInBase returns the names of the packages a base image already
// ships. Legacy bases return the frozen historical list regardless of
// filesystem state; other bases parse the on-disk listing, and a missing
// file yields an empty manifest.
func PackagesInBase(base string) ([]string, error) {
	if legacyManifestBases[base] {
		out := make([]string, len(legacyBaseManifest))
		copy(out, legacyBaseManifest)
		return out, nil
	}

	file, err := os.Open(basePackageListPath(base))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var names []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, installedStatusPrefix) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		// Field format is name or name:arch
		name := fields[1]
		if i := strings.IndexByte(name, ':'); i >= 0 {
			name = name[:i]
		}
		names = append(names, name)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

// filteredStagePackageNames computes the base-manifest packages excluded
// from a stage fetch: manifest(base) minus the requested names minus the
// base's ignore exemptions. A requested package is never filtered out.
func filteredStagePackageNames(base string, requested []string) (map[string]bool, error) {
	manifest, err := PackagesInBase(base)
	if err != nil {
		return nil, err
	}

	requestedSet := make(map[string]bool, len(requested))
	for _, spec := range requested {
		name, _ := SplitNameVersion(spec)
		requestedSet[name] = true
	}

	exempt := ignoreFilters[base]
	filtered := make(map[string]bool)
	for _, name := range manifest {
		if requestedSet[name] || exempt[name] {
			continue
		}
		filtered[name] = true
	}
	return filtered, nil
}
