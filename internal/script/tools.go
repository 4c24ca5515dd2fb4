package script

import (
	"sitesync/internal/storage"
)

// SASVar is the environment variable generated scripts read the SAS token from.
const SASVar = "AZURE_STORAGE_SAS_TOKEN"

// blob is an Azure object addressed both ways the tools need it.
type blob struct {
	loc storage.Location
	url string
}

func (b blob) withSuffix(suffix string) blob {
	b.loc.Key += suffix
	b.url += suffix
	return b
}

// tool renders the commands of one Azure client.
type tool interface {
	requiredEnv() []string
	// lockProbe reports the lock; printsTrue tells how, see dialect.failIfLocked.
	lockProbe(lock blob, scratch word) (cmd []word, printsTrue bool)
	download(src blob, local word) []word
	upload(local word, dst blob) []word
	remove(b blob) []word
	copyBlob(src, dst blob) []word
}

// azCLI drives "az storage blob".
type azCLI struct {
	login bool
}

func (t azCLI) requiredEnv() []string {
	if t.login {
		return nil
	}
	return []string{SASVar}
}

func (t azCLI) blobArgs(verb string, b blob) []word {
	return []word{lit("az"), lit("storage"), lit("blob"), lit(verb),
		lit("--account-name"), lit(b.loc.Account),
		lit("--container-name"), lit(b.loc.Bucket),
		lit("--name"), lit(b.loc.Key)}
}

func (t azCLI) auth() []word {
	if t.login {
		return []word{lit("--auth-mode"), lit("login")}
	}
	return []word{lit("--sas-token"), envVar(SASVar)}
}

func (t azCLI) cmd(verb string, b blob, extra ...word) []word {
	cmd := t.blobArgs(verb, b)
	cmd = append(cmd, extra...)
	return append(cmd, t.auth()...)
}

func (t azCLI) lockProbe(lock blob, _ word) ([]word, bool) {
	return t.cmd("exists", lock, lit("--query"), lit("exists"), lit("-o"), lit("tsv")), true
}

func (t azCLI) download(src blob, local word) []word {
	return t.cmd("download", src, lit("--file"), local, lit("--output"), lit("none"))
}

func (t azCLI) upload(local word, dst blob) []word {
	return t.cmd("upload", dst, lit("--file"), local, lit("--overwrite"), lit("--output"), lit("none"))
}

func (t azCLI) remove(b blob) []word {
	return t.cmd("delete", b, lit("--output"), lit("none"))
}

func (t azCLI) copyBlob(src, dst blob) []word {
	uri := lit(src.url)
	if !t.login {
		uri = uri.plus(lit("?")).plus(envVar(SASVar))
	}
	return t.cmd("copy", dst, lit("start"), lit("--source-uri"), uri, lit("--output"), lit("none"))
}

// azCopy drives azcopy. With login it expects a prior "azcopy login".
type azCopy struct {
	login bool
}

func (t azCopy) requiredEnv() []string {
	if t.login {
		return nil
	}
	return []string{SASVar}
}

func (t azCopy) url(b blob) word {
	if t.login {
		return lit(b.url)
	}
	return lit(b.url + "?").plus(envVar(SASVar))
}

func (t azCopy) lockProbe(lock blob, scratch word) ([]word, bool) {
	return []word{lit("azcopy"), lit("copy"), t.url(lock), scratch, lit("--log-level"), lit("ERROR")}, false
}

func (t azCopy) download(src blob, local word) []word {
	return []word{lit("azcopy"), lit("copy"), t.url(src), local, lit("--log-level"), lit("ERROR")}
}

func (t azCopy) upload(local word, dst blob) []word {
	return []word{lit("azcopy"), lit("copy"), local, t.url(dst), lit("--overwrite"), lit("true"), lit("--put-md5"), lit("--log-level"), lit("ERROR")}
}

func (t azCopy) remove(b blob) []word {
	return []word{lit("azcopy"), lit("remove"), t.url(b), lit("--log-level"), lit("ERROR")}
}

func (t azCopy) copyBlob(src, dst blob) []word {
	return []word{lit("azcopy"), lit("copy"), t.url(src), t.url(dst), lit("--overwrite"), lit("true"), lit("--log-level"), lit("ERROR")}
}
